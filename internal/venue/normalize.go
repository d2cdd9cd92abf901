package venue

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/model"
)

// MappingVersion is bumped whenever a status vocabulary or symbol rule
// changes, so persisted raw payloads can be re-normalised consistently.
const MappingVersion = 3

// RawOrder is an order payload as venues send it: every numeric field is a
// string.
type RawOrder struct {
	Ref      string `json:"ref"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"`
	CumQty   string `json:"cum_qty"`
	CumFee   string `json:"cum_fee"`
	AvgPrice string `json:"avg_price"`
	TimeMs   int64  `json:"time_ms"`
}

// RawPosition carries a signed size.
type RawPosition struct {
	Symbol        string `json:"symbol"`
	Size          string `json:"size"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	MarkPrice     string `json:"mark_price"`
	LiqPrice      string `json:"liq_price"`
}

// RawFunding is one funding ledger row in the venue's own sign convention.
type RawFunding struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
	TimeMs int64  `json:"time_ms"`
}

// RawQuote is a top-of-book payload.
type RawQuote struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	TimeMs int64  `json:"ts"`
}

var defaultStatusVocabulary = map[string]model.OrderStatus{
	"new":              model.OrderStatusNew,
	"open":             model.OrderStatusNew,
	"live":             model.OrderStatusNew,
	"resting":          model.OrderStatusNew,
	"partially_filled": model.OrderStatusPartiallyFilled,
	"partiallyfilled":  model.OrderStatusPartiallyFilled,
	"partial":          model.OrderStatusPartiallyFilled,
	"filled":           model.OrderStatusFilled,
	"closed":           model.OrderStatusFilled,
	"canceled":         model.OrderStatusCancelled,
	"cancelled":        model.OrderStatusCancelled,
	"expired":          model.OrderStatusExpired,
	"rejected":         model.OrderStatusRejected,
}

// venue specific words that would otherwise be misread.
var venueStatusVocabulary = map[string]map[string]model.OrderStatus{
	"okx": {
		"mmp_canceled": model.OrderStatusCancelled,
	},
	"bybit": {
		"partiallyfilledcanceled": model.OrderStatusCancelled,
		"deactivated":             model.OrderStatusCancelled,
	},
	"hyperliquid": {
		"margincanceled":      model.OrderStatusCancelled,
		"ioccancelrejected":   model.OrderStatusExpired,
		"badalopxrejected":    model.OrderStatusRejected,
		"mintradentlrejected": model.OrderStatusRejected,
	},
}

// Normalizer maps one venue's raw payloads into canonical types. It is the
// only place venue vocabularies are interpreted.
type Normalizer struct {
	Venue   string
	Version int
}

func NewNormalizer(venue string) *Normalizer {
	return &Normalizer{Venue: strings.ToLower(venue), Version: MappingVersion}
}

// Status maps a venue status word. Unknown words map to UNKNOWN, which the
// core treats as ambiguous.
func (n *Normalizer) Status(raw string) model.OrderStatus {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), " ", "_"))
	if m, ok := venueStatusVocabulary[n.Venue]; ok {
		for word, status := range m {
			if strings.EqualFold(word, key) {
				return status
			}
		}
	}
	if s, ok := defaultStatusVocabulary[key]; ok {
		return s
	}
	if s, ok := defaultStatusVocabulary[strings.ReplaceAll(key, "_", "")]; ok {
		return s
	}
	return model.OrderStatusUnknown
}

// Order normalises an order payload.
func (n *Normalizer) Order(raw RawOrder) (model.OrderStatusReport, error) {
	cum, err := parseDecimal("cum_qty", raw.CumQty)
	if err != nil {
		return model.OrderStatusReport{}, err
	}
	fee, err := parseDecimal("cum_fee", raw.CumFee)
	if err != nil {
		return model.OrderStatusReport{}, err
	}
	avg, err := parseDecimal("avg_price", raw.AvgPrice)
	if err != nil {
		return model.OrderStatusReport{}, err
	}
	return model.OrderStatusReport{
		OrderRef:  raw.Ref,
		Symbol:    CanonicalSymbol(n.Venue, raw.Symbol),
		Status:    n.Status(raw.Status),
		CumQty:    cum,
		CumFee:    fee.Abs(),
		AvgPrice:  avg,
		UpdatedAt: msTime(raw.TimeMs),
	}, nil
}

// Position normalises a signed position payload into qty + side.
func (n *Normalizer) Position(raw RawPosition) (model.Position, error) {
	size, err := parseDecimal("size", raw.Size)
	if err != nil {
		return model.Position{}, err
	}
	upnl, err := parseDecimal("unrealized_pnl", raw.UnrealizedPnL)
	if err != nil {
		return model.Position{}, err
	}
	mark, err := parseDecimal("mark_price", raw.MarkPrice)
	if err != nil {
		return model.Position{}, err
	}
	liq, err := parseDecimal("liq_price", raw.LiqPrice)
	if err != nil {
		return model.Position{}, err
	}
	side := model.SideBuy
	if size.IsNegative() {
		side = model.SideSell
	}
	return model.Position{
		Venue:            n.Venue,
		Symbol:           CanonicalSymbol(n.Venue, raw.Symbol),
		Qty:              size.Abs(),
		Side:             side,
		UnrealizedPnL:    upnl,
		MarkPrice:        mark,
		LiquidationPrice: liq,
	}, nil
}

// Funding normalises a funding row. The amount keeps the venue's own sign
// convention; accounting applies Capabilities.FundingSign once at ingestion.
func (n *Normalizer) Funding(raw RawFunding) (model.FundingPayment, error) {
	amount, err := parseDecimal("amount", raw.Amount)
	if err != nil {
		return model.FundingPayment{}, err
	}
	return model.FundingPayment{
		ID:     raw.ID,
		Venue:  n.Venue,
		Symbol: CanonicalSymbol(n.Venue, raw.Symbol),
		Amount: amount,
		Time:   msTime(raw.TimeMs),
	}, nil
}

// Quote normalises a top-of-book payload.
func (n *Normalizer) Quote(raw RawQuote, source model.PriceSource, received time.Time) (model.Quote, error) {
	bid, err := parseDecimal("bid", raw.Bid)
	if err != nil {
		return model.Quote{}, err
	}
	ask, err := parseDecimal("ask", raw.Ask)
	if err != nil {
		return model.Quote{}, err
	}
	at := received
	if raw.TimeMs > 0 {
		at = msTime(raw.TimeMs)
	}
	q := model.Quote{
		Venue:  n.Venue,
		Symbol: CanonicalSymbol(n.Venue, raw.Symbol),
		Bid:    bid,
		Ask:    ask,
		Source: source,
		At:     at,
	}
	if !q.Valid() {
		return model.Quote{}, fmt.Errorf("invalid quote %s bid=%s ask=%s", raw.Symbol, raw.Bid, raw.Ask)
	}
	return q, nil
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", field, v, err)
	}
	return d, nil
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
