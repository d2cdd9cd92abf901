package model

import (
	"time"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Quote is a top-of-book sample.
type Quote struct {
	Venue  string          `json:"venue"`
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Source PriceSource     `json:"source"`
	At     time.Time       `json:"at"`
}

// Valid reports whether both sides are present and not crossed.
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive() && q.Ask.GreaterThanOrEqual(q.Bid)
}

func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(two)
}

// SpreadBps is (ask-bid)/mid in basis points.
func (q Quote) SpreadBps() decimal.Decimal {
	mid := q.Mid()
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid).Div(mid).Mul(decimal.NewFromInt(10000))
}

// ExitPrice is the executable price for closing a position opened with side:
// a long is closed into the bid, a short into the ask.
func (q Quote) ExitPrice(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.Bid
	}
	return q.Ask
}

// EntryPrice is the executable price for opening a position on side with a
// taker order.
func (q Quote) EntryPrice(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.Ask
	}
	return q.Bid
}

// PassivePrice is the best price for a post-only order on side.
func (q Quote) PassivePrice(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.Bid
	}
	return q.Ask
}

// Age returns how old the sample is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.At)
}

// Position is the canonical venue position for one symbol. Qty is absolute;
// Side carries the direction.
type Position struct {
	Venue            string          `json:"venue"`
	Symbol           string          `json:"symbol"`
	Qty              decimal.Decimal `json:"qty"`
	Side             Side            `json:"side"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

// Signed returns the quantity with its direction sign.
func (p Position) Signed() decimal.Decimal {
	if p.Side == SideSell {
		return p.Qty.Neg()
	}
	return p.Qty
}

// LiquidationDistance returns |mark-liq|/mark, or -1 when unknown.
func (p Position) LiquidationDistance() decimal.Decimal {
	if !p.MarkPrice.IsPositive() || !p.LiquidationPrice.IsPositive() {
		return decimal.NewFromInt(-1)
	}
	return p.MarkPrice.Sub(p.LiquidationPrice).Abs().Div(p.MarkPrice)
}

// OrderRequest is what the core asks a venue to place.
type OrderRequest struct {
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	TimeInForce TimeInForce     `json:"time_in_force"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	ReduceOnly  bool            `json:"reduce_only"`
	ClientID    string          `json:"client_id"`
}

type OrderAck struct {
	OrderRef string      `json:"order_ref"`
	Status   OrderStatus `json:"status"`
}

// OrderStatusReport is the canonical order state with cumulative fields.
type OrderStatusReport struct {
	OrderRef  string          `json:"order_ref"`
	Symbol    string          `json:"symbol"`
	Status    OrderStatus     `json:"status"`
	CumQty    decimal.Decimal `json:"cum_qty"`
	CumFee    decimal.Decimal `json:"cum_fee"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Report converts the status into a cumulative fill report.
func (r OrderStatusReport) Report(fallback decimal.Decimal) FillReport {
	return FillReport{
		OrderRef:      r.OrderRef,
		CumQty:        r.CumQty,
		CumFee:        r.CumFee,
		AvgPrice:      r.AvgPrice,
		FallbackPrice: fallback,
		At:            r.UpdatedAt,
	}
}
