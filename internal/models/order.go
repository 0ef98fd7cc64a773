package models

import (
	"encoding/json"
)

// OrderRequest is one logical order to be replicated across accounts.
// It mirrors the body of POST /orders/place.
type OrderRequest struct {
	AccountIDs      []uint      `json:"account_ids"`
	Index           string      `json:"index"`
	Expiry          string      `json:"expiry"`
	Strike          json.Number `json:"strike"`
	OptionType      string      `json:"option_type"`
	Lots            int         `json:"lots"`
	TransactionType string      `json:"transaction_type"`
	Product         string      `json:"product"`
	OrderType       string      `json:"order_type"`
	Price           *float64    `json:"price,omitempty"`
	AMO             bool        `json:"amo"`
}

// Order varieties understood by brokers.
const (
	VarietyRegular = "regular"
	VarietyAMO     = "amo"
)

// OrderLeg is the per-account order handed to a broker session. Every
// account of one fan-out receives an identical leg.
type OrderLeg struct {
	Exchange        string  `json:"exchange"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	Product         string  `json:"product"`
	OrderType       string  `json:"order_type"`
	Price           float64 `json:"price,omitempty"`
	Variety         string  `json:"variety"`
	Tag             string  `json:"tag,omitempty"`
}

// OutcomeKind classifies the result of one account's order placement.
type OutcomeKind string

const (
	OutcomePlaced      OutcomeKind = "placed"
	OutcomeRejected    OutcomeKind = "rejected"
	OutcomeAuthExpired OutcomeKind = "auth_expired"
	OutcomeTimeout     OutcomeKind = "timeout"
	OutcomeNotLoggedIn OutcomeKind = "not_logged_in"
	OutcomeNotFound    OutcomeKind = "not_found"
	OutcomeFailed      OutcomeKind = "failed"
)

// OrderOutcome is the result for a single (order, account) pair.
type OrderOutcome struct {
	AccountID uint        `json:"account_id"`
	Account   string      `json:"account"`
	Success   bool        `json:"success"`
	Kind      OutcomeKind `json:"kind"`
	OrderID   string      `json:"order_id,omitempty"`
	Message   string      `json:"message"`
}

// FanOutResult aggregates every account's outcome, in request order.
type FanOutResult struct {
	BatchID       string         `json:"batch_id"`
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	TradingSymbol string         `json:"tradingsymbol"`
	Quantity      int            `json:"quantity"`
	Orders        []OrderOutcome `json:"orders"`
}

// SucceededCount returns how many outcomes were successful.
func (r *FanOutResult) SucceededCount() int {
	n := 0
	for _, o := range r.Orders {
		if o.Success {
			n++
		}
	}
	return n
}
