// Package oanda is the live execution venue over the OANDA v3 REST API.
package oanda

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/market"
)

const (
	// PracticeURL is the URL for OANDA's practice/demo environment
	PracticeURL = "https://api-fxpractice.oanda.com"
	// LiveURL is the URL for OANDA's live trading environment
	LiveURL = "https://api-fxtrade.oanda.com"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BaseURL maps an environment name to its REST endpoint.
func BaseURL(env string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "practice", "demo":
		return PracticeURL, nil
	case "live":
		return LiveURL, nil
	default:
		return "", fmt.Errorf("unknown OANDA env %q (want practice|live)", env)
	}
}

// Client represents an OANDA account and satisfies broker.Broker.
type Client struct {
	baseURL    string
	token      string
	accountID  string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// NewClient creates a client for accountID against baseURL.
func NewClient(baseURL, token, accountID string, timeout time.Duration, log *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		accountID:  accountID,
		httpClient: &http.Client{Timeout: timeout},
		log:        logging.OrNop(log),
	}
}

func (c *Client) Name() string { return "oanda" }

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("oanda API error (status %d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(broker.ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var e struct {
			ErrorMessage string `json:"errorMessage"`
		}
		msg := strings.TrimSpace(string(b))
		if json.Unmarshal(b, &e) == nil && e.ErrorMessage != "" {
			msg = e.ErrorMessage
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

type priceBound struct {
	Price string `json:"price"`
}

type orderBody struct {
	Type             string            `json:"type"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	Price            string            `json:"price,omitempty"`
	TimeInForce      string            `json:"timeInForce"`
	PositionFill     string            `json:"positionFill"`
	StopLossOnFill   *priceBound       `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *priceBound       `json:"takeProfitOnFill,omitempty"`
	ClientExtensions map[string]string `json:"clientExtensions,omitempty"`
}

type orderResponse struct {
	OrderCreateTransaction struct {
		ID string `json:"id"`
	} `json:"orderCreateTransaction"`
	OrderFillTransaction *struct {
		ID    string `json:"id"`
		Price string `json:"price"`
		Time  string `json:"time"`
	} `json:"orderFillTransaction"`
	OrderCancelTransaction *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction"`
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// SendOrder places a market, limit or stop order sized in lots.
func (c *Client) SendOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return broker.OrderResult{Success: false, Error: err.Error()}, nil
	}
	instrument, err := market.NormalizeSymbol(req.Symbol)
	if err != nil {
		return broker.OrderResult{Success: false, Error: err.Error()}, nil
	}

	units := market.LotsToUnits(req.Lots, req.Side == market.Sell)
	ob := orderBody{
		Type:         string(broker.Market),
		Instrument:   instrument,
		Units:        strconv.FormatFloat(units, 'f', 0, 64),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}
	if req.Type == broker.Limit || req.Type == broker.Stop {
		ob.Type = string(req.Type)
		ob.Price = formatPrice(*req.Price)
		ob.TimeInForce = "GTC"
	}
	if req.StopLoss != nil {
		ob.StopLossOnFill = &priceBound{Price: formatPrice(*req.StopLoss)}
	}
	if req.TakeProfit != nil {
		ob.TakeProfitOnFill = &priceBound{Price: formatPrice(*req.TakeProfit)}
	}
	if req.ClientID != "" {
		ob.ClientExtensions = map[string]string{"id": req.ClientID}
		if req.Tag != "" {
			ob.ClientExtensions["tag"] = req.Tag
		}
	}

	var resp orderResponse
	path := fmt.Sprintf("/v3/accounts/%s/orders", c.accountID)
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"order": ob}, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return broker.OrderResult{Success: false, Error: apiErr.Message}, nil
		}
		return broker.OrderResult{}, errors.WithMessage(err, "send order")
	}

	if resp.OrderCancelTransaction != nil {
		return broker.OrderResult{Success: false, Error: resp.OrderCancelTransaction.Reason}, nil
	}
	res := broker.OrderResult{Success: true, Ticket: resp.OrderCreateTransaction.ID, Time: time.Now()}
	if f := resp.OrderFillTransaction; f != nil {
		res.Ticket = f.ID
		res.Price, _ = strconv.ParseFloat(f.Price, 64)
		if t, err := time.Parse(time.RFC3339Nano, f.Time); err == nil {
			res.Time = t
		}
	}
	c.log.Infow("oanda order accepted", "ticket", res.Ticket, "instrument", instrument, "units", ob.Units)
	return res, nil
}

type accountSummary struct {
	Account struct {
		ID         string `json:"id"`
		Currency   string `json:"currency"`
		Balance    string `json:"balance"`
		NAV        string `json:"NAV"`
		MarginUsed string `json:"marginUsed"`
	} `json:"account"`
}

func (c *Client) AccountSnapshot(ctx context.Context) (broker.Account, error) {
	var s accountSummary
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v3/accounts/%s/summary", c.accountID), nil, &s); err != nil {
		return broker.Account{}, errors.WithMessage(err, "account summary")
	}
	acct := broker.Account{
		ID:       s.Account.ID,
		Currency: s.Account.Currency,
		Mode:     broker.ModeLive,
	}
	var err error
	if acct.Balance, err = strconv.ParseFloat(s.Account.Balance, 64); err != nil {
		return broker.Account{}, errors.Wrap(err, "parse balance")
	}
	if acct.Equity, err = strconv.ParseFloat(s.Account.NAV, 64); err != nil {
		return broker.Account{}, errors.Wrap(err, "parse NAV")
	}
	acct.MarginUsed, _ = strconv.ParseFloat(s.Account.MarginUsed, 64)
	return acct, nil
}

type positionSide struct {
	Units        string `json:"units"`
	AveragePrice string `json:"averagePrice"`
}

type openPositions struct {
	Positions []struct {
		Instrument string       `json:"instrument"`
		Long       positionSide `json:"long"`
		Short      positionSide `json:"short"`
	} `json:"positions"`
}

// OpenPositions reports each non-flat side as its own position.
func (c *Client) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	var op openPositions
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v3/accounts/%s/openPositions", c.accountID), nil, &op); err != nil {
		return nil, errors.WithMessage(err, "open positions")
	}

	var out []broker.Position
	for _, p := range op.Positions {
		for _, s := range []struct {
			side market.Side
			ps   positionSide
		}{{market.Buy, p.Long}, {market.Sell, p.Short}} {
			units, err := strconv.ParseFloat(s.ps.Units, 64)
			if err != nil || units == 0 {
				continue
			}
			avg, _ := strconv.ParseFloat(s.ps.AveragePrice, 64)
			out = append(out, broker.Position{
				Symbol:   market.DisplaySymbol(p.Instrument),
				Side:     s.side,
				Lots:     market.UnitsToLots(units),
				AvgPrice: avg,
			})
		}
	}
	return out, nil
}

// Ping checks the account endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/v3/accounts/%s/summary", c.accountID), nil, nil)
}
