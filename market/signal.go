package market

import (
	"fmt"
	"time"
)

// Signal is a trade candidate produced by an upstream detector.
type Signal struct {
	ID         string            `json:"id,omitempty"`
	Symbol     string            `json:"symbol"`
	Side       Side              `json:"side"`
	Confidence float64           `json:"confidence"`
	Price      float64           `json:"price,omitempty"`
	StopLoss   float64           `json:"stop_loss,omitempty"`
	TakeProfit float64           `json:"take_profit,omitempty"`
	Timeframe  string            `json:"timeframe,omitempty"`
	Level      float64           `json:"level,omitempty"` // structure level the pattern fired at
	Tag        string            `json:"tag,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	At         time.Time         `json:"at,omitempty"`
}

func (s Signal) Validate() error {
	if _, err := NormalizeSymbol(s.Symbol); err != nil {
		return err
	}
	if !s.Side.Valid() {
		return fmt.Errorf("invalid side %q", s.Side)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0,1]", s.Confidence)
	}
	if s.Price < 0 || s.StopLoss < 0 || s.TakeProfit < 0 {
		return fmt.Errorf("prices must not be negative")
	}
	if s.Timeframe != "" {
		if _, _, err := ParseTimeframe(s.Timeframe); err != nil {
			return err
		}
	}
	return nil
}

// Currencies returns the base and quote legs of a symbol, or empty strings
// when the symbol cannot be split.
func Currencies(symbol string) (base, quote string) {
	s, err := NormalizeSymbol(symbol)
	if err != nil {
		return "", ""
	}
	if meta, ok := Instruments[s]; ok {
		return meta.BaseCurrency, meta.QuoteCurrency
	}
	return s[:3], s[4:]
}
