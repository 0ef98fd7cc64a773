package models

import (
	"github.com/shopspring/decimal"
)

// Position is one account's open exposure in one instrument. It is
// recomputed on every query; the broker session is authoritative.
type Position struct {
	AccountID     uint    `json:"account_id"`
	Account       string  `json:"account"`
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      int     `json:"quantity"`
	AvgPrice      float64 `json:"avg_price"`
	LastPrice     float64 `json:"last_price"`
	Pnl           float64 `json:"pnl"`
}

// UnrealizedPnl returns (last - avg) * quantity. A negative quantity is
// a short position, so the sign of the result follows the exposure.
func UnrealizedPnl(avgPrice, lastPrice float64, quantity int) decimal.Decimal {
	diff := decimal.NewFromFloat(lastPrice).Sub(decimal.NewFromFloat(avgPrice))
	return diff.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
}

// AccountFailure reports an account whose positions could not be read.
type AccountFailure struct {
	AccountID uint   `json:"account_id"`
	Account   string `json:"account"`
	Reason    string `json:"reason"`
}

// PositionReport is the result of aggregating positions across accounts.
// Failures is the error channel that separates "no positions" from
// "could not ask".
type PositionReport struct {
	Positions []Position       `json:"positions"`
	Failures  []AccountFailure `json:"failures,omitempty"`
	// live unrealized P&L per account that answered
	AccountPnl map[uint]decimal.Decimal `json:"-"`
}
