package models

import (
	"fmt"
	"strings"
	"time"
)

// IndexSpec describes an index whose weekly/monthly options can be traded.
// Lot size is a fixed contract multiplier and is never supplied by the user.
type IndexSpec struct {
	Name       string `json:"name"`
	Exchange   string `json:"exchange"`
	LotSize    int    `json:"lotSize"`
	StrikeStep int64  `json:"strikeStep"`
}

var indices = map[string]IndexSpec{
	"NIFTY":     {Name: "NIFTY", Exchange: "NFO", LotSize: 65, StrikeStep: 50},
	"BANKNIFTY": {Name: "BANKNIFTY", Exchange: "NFO", LotSize: 35, StrikeStep: 100},
	"SENSEX":    {Name: "SENSEX", Exchange: "BFO", LotSize: 20, StrikeStep: 100},
}

// LookupIndex returns the contract details of an index name.
func LookupIndex(name string) (IndexSpec, bool) {
	spec, ok := indices[strings.ToUpper(strings.TrimSpace(name))]
	return spec, ok
}

// Indices returns every tradable index.
func Indices() []IndexSpec {
	return []IndexSpec{indices["NIFTY"], indices["BANKNIFTY"], indices["SENSEX"]}
}

// ExpiryLayout is the wire format of option expiry dates.
const ExpiryLayout = "2006-01-02"

// weekly contracts encode the month as a single character
var weeklyMonthCodes = [...]string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "O", "N", "D"}

// IsMonthlyExpiry reports whether expiry is the last expiry of its month,
// i.e. no later date on the same weekday falls in that month.
func IsMonthlyExpiry(expiry time.Time) bool {
	return expiry.AddDate(0, 0, 7).Month() != expiry.Month()
}

// TradingSymbol builds the exchange trading symbol of an index option.
//
//	monthly: NIFTY25JAN24000CE
//	weekly:  NIFTY2513024000CE
func TradingSymbol(index string, expiry time.Time, strike int64, optionType string) string {
	yy := expiry.Year() % 100
	if IsMonthlyExpiry(expiry) {
		return fmt.Sprintf("%s%02d%s%d%s", index, yy,
			strings.ToUpper(expiry.Format("Jan")), strike, optionType)
	}
	return fmt.Sprintf("%s%02d%s%02d%d%s", index, yy,
		weeklyMonthCodes[expiry.Month()-1], expiry.Day(), strike, optionType)
}
