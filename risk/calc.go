package risk

import (
	"math"

	"github.com/rustyeddy/autotrader/market"
)

// PlannedRisk is the account-currency loss if the stop is hit.
func PlannedRisk(units, entry, stop, quoteToAccount float64) float64 {
	return math.Abs(units) * math.Abs(entry-stop) * quoteToAccount
}

// RR is reward over risk; zero when the stop sits on the entry.
func RR(entry, stop, takeProfit float64) float64 {
	risk := math.Abs(entry - stop)
	if risk == 0 {
		return 0
	}
	return math.Abs(takeProfit-entry) / risk
}

func RiskPct(planned, equity float64) float64 {
	if equity <= 0 {
		return math.Inf(1)
	}
	return planned / equity
}

func PipSize(loc int) float64 {
	return math.Pow(10, float64(loc))
}

// SizeLots sizes a position so a stop-out loses riskPct of equity,
// rounded down to hundredths of a lot.
func SizeLots(equity, riskPct, entry, stop, quoteToAccount float64) float64 {
	dist := math.Abs(entry - stop)
	if dist == 0 || equity <= 0 || riskPct <= 0 || quoteToAccount <= 0 {
		return 0
	}
	units := equity * riskPct / (dist * quoteToAccount)
	return math.Floor(units/(market.LotSize/100)) / 100
}

// QuoteToAccount converts one unit of the symbol's quote currency into the
// account currency. EUR_USD in a USD account is 1; USD_JPY is 1/price.
func QuoteToAccount(symbol string, price float64, accountCcy string) float64 {
	base, quote := market.Currencies(symbol)
	switch {
	case quote == accountCcy || quote == "":
		return 1
	case base == accountCcy && price > 0:
		return 1 / price
	default:
		return 1
	}
}
