// Package venue defines the port every trading venue adapter implements,
// together with the canonical normalisation layer, a scriptable in-memory
// paper venue and a streamed top-of-book client.
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/config"
	"fundarb/internal/model"
)

// ErrUnsupported is returned for an operation the venue's capabilities do not
// advertise.
var ErrUnsupported = errors.New("operation not supported by venue")

// Venue is the port the execution core talks to. Payloads are canonical:
// adapters normalise before returning. Funding amounts are the one exception
// and keep the venue's sign, see Capabilities.FundingSign.
type Venue interface {
	Name() string
	Capabilities() Capabilities

	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderRef string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOrderStatus(ctx context.Context, symbol, orderRef string) (model.OrderStatusReport, error)

	GetPosition(ctx context.Context, symbol string) (model.Position, error)
	GetTopOfBook(ctx context.Context, symbol string) (model.Quote, error)
	GetMidPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetFills(ctx context.Context, symbol, orderRef string) ([]model.Fill, error)

	GetFundingRate(ctx context.Context, symbol string) (model.FundingRate, error)
	// FetchFundingPaymentsBatch returns the payments since from for every
	// requested symbol in one call. Symbols the venue did not report are
	// absent from the map.
	FetchFundingPaymentsBatch(ctx context.Context, symbols []string, from time.Time) (map[string][]model.FundingPayment, error)
	FetchFundingPayments(ctx context.Context, symbol string, from time.Time) ([]model.FundingPayment, error)
}

// Capabilities is resolved once when an adapter is built. Callers branch on
// these flags; they never probe for optional operations.
type Capabilities struct {
	PostOnly     bool `json:"post_only"`
	ReduceOnly   bool `json:"reduce_only"`
	FillHistory  bool `json:"fill_history"`
	MarkPrice    bool `json:"mark_price"`
	BatchFunding bool `json:"batch_funding"`
	CancelAll    bool `json:"cancel_all"`
	// FundingSign converts the venue's reported funding amount into
	// "positive = received". It is always +1 or -1.
	FundingSign int `json:"funding_sign"`
}

// CapabilitiesFromConfig builds the descriptor from a venue config entry.
func CapabilitiesFromConfig(v config.VenueConfig) Capabilities {
	return Capabilities{
		PostOnly:     v.Capabilities.PostOnly,
		ReduceOnly:   v.Capabilities.ReduceOnly,
		FillHistory:  v.Capabilities.FillHistory,
		MarkPrice:    v.Capabilities.MarkPrice,
		BatchFunding: v.Capabilities.BatchFunding,
		CancelAll:    v.Capabilities.CancelAll,
		FundingSign:  v.FundingSign,
	}
}

// NormalizeFunding applies the funding sign so the amount is positive when
// the account received funding.
func (c Capabilities) NormalizeFunding(p model.FundingPayment) model.FundingPayment {
	if c.FundingSign < 0 {
		p.Amount = p.Amount.Neg()
	}
	return p
}

// StatusError is how adapters report an HTTP-level failure. The gate turns it
// into a classified error.
type StatusError struct {
	Venue      string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: status %d: %s (retry after %s)", e.Venue, e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Venue, e.StatusCode, e.Message)
}
