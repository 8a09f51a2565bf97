package sim

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/market"
)

var _ broker.Broker = (*Broker)(nil)

func TestSendOrderFillsImmediately(t *testing.T) {
	b := New(100000, "USD")
	b.Prices().Set(market.Tick{Symbol: "EUR_USD", Bid: 1.0850, Ask: 1.0852, Time: time.Now()})

	ctx := context.Background()
	res, err := b.SendOrder(ctx, broker.OrderRequest{ClientID: "c1", Symbol: "EURUSD", Side: market.Buy, Lots: 0.5})
	require.NoError(t, err)
	require.True(t, res.Success)
	_, perr := uuid.Parse(res.Ticket)
	assert.NoError(t, perr, "ticket is a uuid")
	assert.Equal(t, 1.0852, res.Price)

	res, err = b.SendOrder(ctx, broker.OrderRequest{Symbol: "EURUSD", Side: market.Sell, Lots: 0.2})
	require.NoError(t, err)
	assert.Equal(t, 1.0850, res.Price)

	pos, err := b.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "EURUSD", pos[0].Symbol)
	assert.Equal(t, market.Buy, pos[0].Side)
	assert.InDelta(t, 0.3, pos[0].Lots, 1e-9)
	assert.Len(t, b.Fills(), 2)
}

func TestSendOrderRejectsInvalid(t *testing.T) {
	b := New(1000, "USD")
	res, err := b.SendOrder(context.Background(), broker.OrderRequest{Symbol: "EURUSD", Side: market.Buy, Lots: 0})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, b.Fills())
}

func TestNettingAndFlip(t *testing.T) {
	b := New(1000, "USD")
	ctx := context.Background()
	p1, p2, p3 := 100.0, 110.0, 120.0

	_, _ = b.SendOrder(ctx, broker.OrderRequest{Symbol: "XAUUSD", Side: market.Buy, Lots: 1, Price: &p1})
	_, _ = b.SendOrder(ctx, broker.OrderRequest{Symbol: "XAUUSD", Side: market.Buy, Lots: 1, Price: &p2})
	pos, _ := b.OpenPositions(ctx)
	require.Len(t, pos, 1)
	assert.InDelta(t, 105, pos[0].AvgPrice, 1e-9)

	_, _ = b.SendOrder(ctx, broker.OrderRequest{Symbol: "XAUUSD", Side: market.Sell, Lots: 3, Price: &p3})
	pos, _ = b.OpenPositions(ctx)
	require.Len(t, pos, 1)
	assert.Equal(t, market.Sell, pos[0].Side)
	assert.InDelta(t, 1, pos[0].Lots, 1e-9)
	assert.InDelta(t, 120, pos[0].AvgPrice, 1e-9)

	_, _ = b.SendOrder(ctx, broker.OrderRequest{Symbol: "XAUUSD", Side: market.Buy, Lots: 1, Price: &p3})
	pos, _ = b.OpenPositions(ctx)
	assert.Empty(t, pos)
}

func TestAccountSnapshot(t *testing.T) {
	b := New(50000, "EUR")
	acct, err := b.AccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, broker.ModeSimulated, acct.Mode)
	assert.Equal(t, 50000.0, acct.Equity)

	b.SetEquity(45000)
	acct, _ = b.AccountSnapshot(context.Background())
	assert.Equal(t, 45000.0, acct.Equity)
	assert.Equal(t, 50000.0, acct.Balance)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, b.Ping(ctx))
	_, err = b.AccountSnapshot(ctx)
	assert.Error(t, err)
}
