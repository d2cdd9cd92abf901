package model

import (
	"time"

	"github.com/shopspring/decimal"
)

var hoursPerYear = decimal.NewFromInt(24 * 365)

// FundingRate is the current hourly funding rate of a perpetual on one venue.
type FundingRate struct {
	Venue  string          `json:"venue"`
	Symbol string          `json:"symbol"`
	Hourly decimal.Decimal `json:"hourly"`
	At     time.Time       `json:"at"`
}

// APY annualises the hourly rate (hourly x 24 x 365).
func (r FundingRate) APY() decimal.Decimal {
	return r.Hourly.Mul(hoursPerYear)
}

// HourlyToAPY annualises an hourly rate.
func HourlyToAPY(hourly decimal.Decimal) decimal.Decimal {
	return hourly.Mul(hoursPerYear)
}

// NetHourlyRate is the funding earned per hour per unit notional by a position
// long on longRate's venue and short on shortRate's venue: longs pay a positive
// rate and shorts receive it.
func NetHourlyRate(longRate, shortRate decimal.Decimal) decimal.Decimal {
	return shortRate.Sub(longRate)
}

// FundingPayment is one settled funding payment. Amount is positive when the
// account received funding and negative when it paid.
type FundingPayment struct {
	ID     string          `json:"id"`
	Venue  string          `json:"venue"`
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
	Time   time.Time       `json:"time"`
}

// Key identifies the payment across venues.
func (p FundingPayment) Key() string {
	return p.Venue + ":" + p.ID
}
