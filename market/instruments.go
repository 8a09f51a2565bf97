// market/instruments.go
package market

import (
	"fmt"
	"strings"
)

// LotSize is the number of base-currency units in one standard lot.
const LotSize = 100_000.0

type InstrumentMeta struct {
	Name             string
	BaseCurrency     string
	QuoteCurrency    string
	PipLocation      int
	MinimumTradeSize float64 // lots
	MarginRate       float64
}

var Instruments = map[string]InstrumentMeta{
	"EUR_USD": {Name: "EUR_USD", BaseCurrency: "EUR", QuoteCurrency: "USD", PipLocation: -4, MinimumTradeSize: 0.01, MarginRate: 0.02},
	"GBP_USD": {Name: "GBP_USD", BaseCurrency: "GBP", QuoteCurrency: "USD", PipLocation: -4, MinimumTradeSize: 0.01, MarginRate: 0.05},
	"USD_JPY": {Name: "USD_JPY", BaseCurrency: "USD", QuoteCurrency: "JPY", PipLocation: -2, MinimumTradeSize: 0.01, MarginRate: 0.02},
	"USD_CHF": {Name: "USD_CHF", BaseCurrency: "USD", QuoteCurrency: "CHF", PipLocation: -4, MinimumTradeSize: 0.01, MarginRate: 0.05},
	"AUD_USD": {Name: "AUD_USD", BaseCurrency: "AUD", QuoteCurrency: "USD", PipLocation: -4, MinimumTradeSize: 0.01, MarginRate: 0.05},
	"XAU_USD": {Name: "XAU_USD", BaseCurrency: "XAU", QuoteCurrency: "USD", PipLocation: -2, MinimumTradeSize: 0.01, MarginRate: 0.05},
}

// NormalizeSymbol converts "EURUSD", "eur/usd" or "EUR_USD" to the broker
// form "EUR_USD". Unknown six-letter pairs are still split 3/3.
func NormalizeSymbol(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("/", "_", "-", "_").Replace(s)
	if _, ok := Instruments[s]; ok {
		return s, nil
	}
	if strings.Contains(s, "_") {
		parts := strings.Split(s, "_")
		if len(parts) == 2 && len(parts[0]) == 3 && len(parts[1]) == 3 {
			return s, nil
		}
		return "", fmt.Errorf("unrecognized symbol %q", s)
	}
	if len(s) != 6 {
		return "", fmt.Errorf("unrecognized symbol %q", s)
	}
	return s[:3] + "_" + s[3:], nil
}

// DisplaySymbol turns "EUR_USD" back into "EURUSD".
func DisplaySymbol(s string) string {
	return strings.ReplaceAll(strings.ToUpper(s), "_", "")
}

// LotsToUnits converts lots to signed broker units (negative for sells).
func LotsToUnits(lots float64, sell bool) float64 {
	u := lots * LotSize
	if sell {
		return -u
	}
	return u
}

// UnitsToLots is the inverse of LotsToUnits, ignoring sign.
func UnitsToLots(units float64) float64 {
	if units < 0 {
		units = -units
	}
	return units / LotSize
}
