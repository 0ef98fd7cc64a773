package services

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/autobotela-sys/zap-trading/internal/models"
)

const maxLots = 100

// exchange dates are interpreted in Indian Standard Time
var ist = time.FixedZone("IST", 5*60*60+30*60)

var (
	optionTypes      = map[string]bool{"CE": true, "PE": true}
	transactionTypes = map[string]bool{"BUY": true, "SELL": true}
	productTypes     = map[string]bool{"MIS": true, "NRML": true, "CNC": true}
	orderTypes       = map[string]bool{"MARKET": true, "LIMIT": true}
)

// validatedOrder is an OrderRequest that passed structural validation,
// resolved into the leg every target account receives.
type validatedOrder struct {
	accountIDs []uint
	leg        models.OrderLeg
}

// validateOrder checks req without side effects. now decides which
// expiries are already in the past.
func validateOrder(req models.OrderRequest, now time.Time) (validatedOrder, error) {
	var v validatedOrder

	if len(req.AccountIDs) == 0 {
		return v, models.NewValidationError("account_ids", "at least one account is required")
	}
	seen := make(map[uint]bool, len(req.AccountIDs))
	for _, id := range req.AccountIDs {
		if id == 0 {
			return v, models.NewValidationError("account_ids", "account id must be positive")
		}
		if seen[id] {
			return v, models.NewValidationError("account_ids", fmt.Sprintf("account %d listed more than once", id))
		}
		seen[id] = true
	}

	spec, ok := models.LookupIndex(req.Index)
	if !ok {
		return v, models.NewValidationError("index", fmt.Sprintf("unknown index %q", req.Index))
	}

	expiry, err := time.ParseInLocation(models.ExpiryLayout, strings.TrimSpace(req.Expiry), ist)
	if err != nil {
		return v, models.NewValidationError("expiry", "must be a date in YYYY-MM-DD format")
	}
	today := now.In(ist)
	if expiry.Before(time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, ist)) {
		return v, models.NewValidationError("expiry", "contract has already expired")
	}

	strike, err := parseStrike(req)
	if err != nil {
		return v, err
	}
	if strike%spec.StrikeStep != 0 {
		return v, models.NewValidationError("strike", fmt.Sprintf("must be a multiple of %d for %s", spec.StrikeStep, spec.Name))
	}

	optionType := strings.ToUpper(strings.TrimSpace(req.OptionType))
	if !optionTypes[optionType] {
		return v, models.NewValidationError("option_type", "must be CE or PE")
	}
	if req.Lots < 1 || req.Lots > maxLots {
		return v, models.NewValidationError("lots", fmt.Sprintf("must be between 1 and %d", maxLots))
	}
	side := strings.ToUpper(strings.TrimSpace(req.TransactionType))
	if !transactionTypes[side] {
		return v, models.NewValidationError("transaction_type", "must be BUY or SELL")
	}
	product := strings.ToUpper(strings.TrimSpace(req.Product))
	if !productTypes[product] {
		return v, models.NewValidationError("product", "must be MIS, NRML or CNC")
	}
	orderType := strings.ToUpper(strings.TrimSpace(req.OrderType))
	if !orderTypes[orderType] {
		return v, models.NewValidationError("order_type", "must be MARKET or LIMIT")
	}

	var price float64
	switch {
	case orderType == "LIMIT":
		if req.Price == nil || *req.Price <= 0 || math.IsNaN(*req.Price) || math.IsInf(*req.Price, 0) {
			return v, models.NewValidationError("price", "a positive price is required for LIMIT orders")
		}
		price = *req.Price
	case req.Price != nil && *req.Price != 0:
		return v, models.NewValidationError("price", "price is only allowed for LIMIT orders")
	}

	variety := models.VarietyRegular
	if req.AMO {
		variety = models.VarietyAMO
	}

	v.accountIDs = req.AccountIDs
	v.leg = models.OrderLeg{
		Exchange:        spec.Exchange,
		TradingSymbol:   models.TradingSymbol(spec.Name, expiry, strike, optionType),
		TransactionType: side,
		Quantity:        req.Lots * spec.LotSize,
		Product:         product,
		OrderType:       orderType,
		Price:           price,
		Variety:         variety,
	}
	return v, nil
}

func parseStrike(req models.OrderRequest) (int64, error) {
	if req.Strike == "" {
		return 0, models.NewValidationError("strike", "is required")
	}
	strike, err := req.Strike.Int64()
	if err != nil {
		f, ferr := req.Strike.Float64()
		if ferr != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return 0, models.NewValidationError("strike", "must be a whole number")
		}
		strike = int64(f)
	}
	if strike <= 0 {
		return 0, models.NewValidationError("strike", "must be positive")
	}
	return strike, nil
}
