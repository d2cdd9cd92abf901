package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillReport is a cumulative order report as venues publish it: CumQty and
// CumFee grow over the life of the order and AvgPrice is the average over all
// fills so far.
type FillReport struct {
	OrderRef string          `json:"order_ref"`
	CumQty   decimal.Decimal `json:"cum_qty"`
	CumFee   decimal.Decimal `json:"cum_fee"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	// FallbackPrice prices a delta when the venue reported no average price.
	FallbackPrice decimal.Decimal `json:"fallback_price"`
	At            time.Time       `json:"at"`
}

// Fill is one execution taken from a venue's authoritative fill history.
type Fill struct {
	OrderRef string          `json:"order_ref"`
	FillID   string          `json:"fill_id"`
	Qty      decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	At       time.Time       `json:"at"`
}

// OrderMark is the high-water mark of the cumulative fields seen for one order.
type OrderMark struct {
	Qty      decimal.Decimal `json:"qty"`
	Fee      decimal.Decimal `json:"fee"`
	Notional decimal.Decimal `json:"notional"`
}

// FillBook accumulates fills of one leg phase (entry or exit) as a VWAP:
// Notional = Σ(Δqty·price), Qty = Σ Δqty. Cumulative reports are diffed
// against a per-order high-water mark so resent or stale reports are no-ops.
type FillBook struct {
	Notional decimal.Decimal      `json:"notional"`
	Qty      decimal.Decimal      `json:"qty"`
	Fees     decimal.Decimal      `json:"fees"`
	Marks    map[string]OrderMark `json:"marks,omitempty"`
}

// Observe applies the new part of a cumulative report and returns the quantity
// and fee deltas that were accepted.
func (b *FillBook) Observe(r FillReport) (dQty, dFee decimal.Decimal) {
	if r.OrderRef == "" {
		return decimal.Zero, decimal.Zero
	}
	if b.Marks == nil {
		b.Marks = make(map[string]OrderMark)
	}
	mark := b.Marks[r.OrderRef]

	if r.CumQty.GreaterThan(mark.Qty) {
		dQty = r.CumQty.Sub(mark.Qty)
		var dNotional decimal.Decimal
		if r.AvgPrice.IsPositive() {
			dNotional = r.CumQty.Mul(r.AvgPrice).Sub(mark.Notional)
		} else {
			dNotional = dQty.Mul(r.FallbackPrice)
		}
		b.Notional = b.Notional.Add(dNotional)
		b.Qty = b.Qty.Add(dQty)
		mark.Qty = r.CumQty
		mark.Notional = mark.Notional.Add(dNotional)
	}
	if r.CumFee.GreaterThan(mark.Fee) {
		dFee = r.CumFee.Sub(mark.Fee)
		b.Fees = b.Fees.Add(dFee)
		mark.Fee = r.CumFee
	}
	b.Marks[r.OrderRef] = mark
	return dQty, dFee
}

// VWAP returns the volume weighted price, false when nothing filled.
func (b *FillBook) VWAP() (decimal.Decimal, bool) {
	if !b.Qty.IsPositive() {
		return decimal.Zero, false
	}
	return b.Notional.Div(b.Qty), true
}

// OrderQty returns the filled quantity recorded for one order.
func (b *FillBook) OrderQty(orderRef string) decimal.Decimal {
	return b.Marks[orderRef].Qty
}

// OrderRefs lists the orders that contributed to the book.
func (b *FillBook) OrderRefs() []string {
	refs := make([]string, 0, len(b.Marks))
	for ref := range b.Marks {
		refs = append(refs, ref)
	}
	return refs
}

// Clone returns a deep copy.
func (b FillBook) Clone() FillBook {
	out := b
	if b.Marks != nil {
		out.Marks = make(map[string]OrderMark, len(b.Marks))
		for k, v := range b.Marks {
			out.Marks[k] = v
		}
	}
	return out
}

// BookFromFills rebuilds a book from individual (non cumulative) fills of the
// given orders. Duplicate fill ids are counted once.
func BookFromFills(fills []Fill) FillBook {
	book := FillBook{Marks: make(map[string]OrderMark)}
	seen := make(map[string]struct{}, len(fills))
	for _, f := range fills {
		if f.FillID != "" {
			key := f.OrderRef + "/" + f.FillID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		if !f.Qty.IsPositive() {
			continue
		}
		n := f.Qty.Mul(f.Price)
		book.Notional = book.Notional.Add(n)
		book.Qty = book.Qty.Add(f.Qty)
		book.Fees = book.Fees.Add(f.Fee)
		mark := book.Marks[f.OrderRef]
		mark.Qty = mark.Qty.Add(f.Qty)
		mark.Fee = mark.Fee.Add(f.Fee)
		mark.Notional = mark.Notional.Add(n)
		book.Marks[f.OrderRef] = mark
	}
	return book
}
