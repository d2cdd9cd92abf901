package gate

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/model"
	"fundarb/internal/venue"
)

// GatedVenue routes every call of the wrapped venue through a gate. It is
// the only venue.Venue the core components are given.
type GatedVenue struct {
	inner venue.Venue
	gate  *Gate
}

var _ venue.Venue = (*GatedVenue)(nil)

// Wrap returns v guarded by g.
func Wrap(v venue.Venue, g *Gate) *GatedVenue {
	return &GatedVenue{inner: v, gate: g}
}

func (v *GatedVenue) Name() string                     { return v.inner.Name() }
func (v *GatedVenue) Capabilities() venue.Capabilities { return v.inner.Capabilities() }
func (v *GatedVenue) Gate() *Gate                      { return v.gate }

func (v *GatedVenue) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error) {
	return Call(ctx, v.gate, ClassOrder, "place_order", "", func(ctx context.Context) (model.OrderAck, error) {
		return v.inner.PlaceOrder(ctx, req)
	})
}

func (v *GatedVenue) CancelOrder(ctx context.Context, symbol, orderRef string) error {
	return v.gate.Do(ctx, ClassCancel, "cancel_order", func(ctx context.Context) error {
		return v.inner.CancelOrder(ctx, symbol, orderRef)
	})
}

func (v *GatedVenue) CancelAllOrders(ctx context.Context, symbol string) error {
	return v.gate.Do(ctx, ClassCancel, "cancel_all", func(ctx context.Context) error {
		return v.inner.CancelAllOrders(ctx, symbol)
	})
}

func (v *GatedVenue) GetOrderStatus(ctx context.Context, symbol, orderRef string) (model.OrderStatusReport, error) {
	key := CanonicalKey("order_status", map[string]string{"symbol": symbol, "ref": orderRef})
	return Call(ctx, v.gate, ClassQuery, "get_order_status", key, func(ctx context.Context) (model.OrderStatusReport, error) {
		return v.inner.GetOrderStatus(ctx, symbol, orderRef)
	})
}

func (v *GatedVenue) GetPosition(ctx context.Context, symbol string) (model.Position, error) {
	key := CanonicalKey("position", map[string]string{"symbol": symbol})
	return Call(ctx, v.gate, ClassQuery, "get_position", key, func(ctx context.Context) (model.Position, error) {
		return v.inner.GetPosition(ctx, symbol)
	})
}

func (v *GatedVenue) GetFills(ctx context.Context, symbol, orderRef string) ([]model.Fill, error) {
	key := CanonicalKey("fills", map[string]string{"symbol": symbol, "ref": orderRef})
	return Call(ctx, v.gate, ClassQuery, "get_fills", key, func(ctx context.Context) ([]model.Fill, error) {
		return v.inner.GetFills(ctx, symbol, orderRef)
	})
}

func (v *GatedVenue) GetTopOfBook(ctx context.Context, symbol string) (model.Quote, error) {
	key := CanonicalKey("top_of_book", map[string]string{"symbol": symbol})
	return Call(ctx, v.gate, ClassMarket, "get_top_of_book", key, func(ctx context.Context) (model.Quote, error) {
		return v.inner.GetTopOfBook(ctx, symbol)
	})
}

func (v *GatedVenue) GetMidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	key := CanonicalKey("mid_price", map[string]string{"symbol": symbol})
	return Call(ctx, v.gate, ClassMarket, "get_mid", key, func(ctx context.Context) (decimal.Decimal, error) {
		return v.inner.GetMidPrice(ctx, symbol)
	})
}

func (v *GatedVenue) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	key := CanonicalKey("mark_price", map[string]string{"symbol": symbol})
	return Call(ctx, v.gate, ClassMarket, "get_mark", key, func(ctx context.Context) (decimal.Decimal, error) {
		return v.inner.GetMarkPrice(ctx, symbol)
	})
}

func (v *GatedVenue) GetFundingRate(ctx context.Context, symbol string) (model.FundingRate, error) {
	key := CanonicalKey("funding_rate", map[string]string{"symbol": symbol})
	return Call(ctx, v.gate, ClassMarket, "get_funding_rate", key, func(ctx context.Context) (model.FundingRate, error) {
		return v.inner.GetFundingRate(ctx, symbol)
	})
}

func (v *GatedVenue) FetchFundingPaymentsBatch(ctx context.Context, symbols []string, from time.Time) (map[string][]model.FundingPayment, error) {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	key := CanonicalKey("funding_batch", map[string]string{
		"symbols": strings.Join(sorted, ","),
		"from":    strconv.FormatInt(from.UnixMilli(), 10),
	})
	return Call(ctx, v.gate, ClassFunding, "fetch_funding_batch", key, func(ctx context.Context) (map[string][]model.FundingPayment, error) {
		return v.inner.FetchFundingPaymentsBatch(ctx, symbols, from)
	})
}

func (v *GatedVenue) FetchFundingPayments(ctx context.Context, symbol string, from time.Time) ([]model.FundingPayment, error) {
	key := CanonicalKey("funding_payments", map[string]string{
		"symbol": symbol,
		"from":   strconv.FormatInt(from.UnixMilli(), 10),
	})
	return Call(ctx, v.gate, ClassFunding, "fetch_funding", key, func(ctx context.Context) ([]model.FundingPayment, error) {
		return v.inner.FetchFundingPayments(ctx, symbol, from)
	})
}
