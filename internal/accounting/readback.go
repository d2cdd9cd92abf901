package accounting

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"fundarb/internal/apperr"
	"fundarb/internal/audit"
	"fundarb/internal/model"
	"fundarb/logger"
)

var bps = decimal.NewFromInt(10000)

// ReadbackResult compares the running estimate of a closed trade with the
// venues' authoritative fills.
type ReadbackResult struct {
	Breach        bool
	MaxVWAPDiff   decimal.Decimal // basis points
	NetPnLDiff    decimal.Decimal
	Estimated     model.Realized
	Authoritative model.Realized
}

type bookRef struct {
	role  model.LegRole
	phase Phase
}

// Readback refetches every order of both legs and rebuilds the fill books.
// When the rebuilt VWAP moves by more than the bps tolerance or the net pnl
// by more than the absolute tolerance, the rebuilt books replace the
// estimate and a correction event is recorded. The trade is marked read back
// either way.
func (e *Engine) Readback(ctx context.Context, t *model.Trade) (ReadbackResult, error) {
	s := t.Snapshot()
	rebuilt := s.Clone()
	books := make(map[bookRef]model.FillBook)

	for _, leg := range []*model.Leg{rebuilt.Maker, rebuilt.Hedge} {
		if leg == nil {
			continue
		}
		for _, phase := range []Phase{PhaseEntry, PhaseExit} {
			current := leg.Entry
			if phase == PhaseExit {
				current = leg.Exit
			}
			book, err := e.fetchBook(ctx, leg.Venue, s.Symbol, current)
			if err != nil {
				return ReadbackResult{}, fmt.Errorf("readback %s %s %s: %w", s.ID, leg.Role, phase, err)
			}
			books[bookRef{leg.Role, phase}] = book
			if phase == PhaseEntry {
				leg.Entry = book
			} else {
				leg.Exit = book
			}
		}
	}
	Realize(&rebuilt)

	res := ReadbackResult{
		Estimated:     PnL(s),
		Authoritative: rebuilt.Realized,
	}
	res.NetPnLDiff = res.Authoritative.Net().Sub(res.Estimated.Net()).Abs()
	for _, pair := range [][2]*model.Leg{{s.Maker, rebuilt.Maker}, {s.Hedge, rebuilt.Hedge}} {
		old, fresh := pair[0], pair[1]
		if old == nil || fresh == nil {
			continue
		}
		for _, b := range [][2]model.FillBook{{old.Entry, fresh.Entry}, {old.Exit, fresh.Exit}} {
			diff, comparable := vwapDiffBps(b[0], b[1])
			if !comparable {
				res.Breach = true
				continue
			}
			if diff.GreaterThan(res.MaxVWAPDiff) {
				res.MaxVWAPDiff = diff
			}
		}
	}
	if res.MaxVWAPDiff.GreaterThan(e.cfg.ReadbackToleranceBps) || res.NetPnLDiff.GreaterThan(e.cfg.ReadbackToleranceUSD) {
		res.Breach = true
	}

	log := e.log.WithComponent("accounting").WithTrade(s.ID, s.Symbol)
	if !res.Breach {
		t.Update(func(st *model.TradeState) { st.Readback = true })
		log.WithFields(logger.Fields{
			"vwap_diff_bps": res.MaxVWAPDiff.StringFixed(4),
			"pnl_diff":      res.NetPnLDiff.String(),
		}).Debug("readback within tolerance")
		return res, nil
	}

	t.Update(func(st *model.TradeState) {
		for ref, book := range books {
			leg := st.Leg(ref.role)
			if leg == nil {
				continue
			}
			if ref.phase == PhaseEntry {
				leg.Entry = book
			} else {
				leg.Exit = book
			}
		}
		Realize(st)
		st.Readback = true
	})

	mismatch := apperr.Newf(apperr.ReconciliationMismatch, "readback",
		"vwap diff %s bps, net pnl diff %s", res.MaxVWAPDiff.StringFixed(2), res.NetPnLDiff.StringFixed(4)).WithVenue("", s.Symbol)
	log.WithError(mismatch).WithFields(logger.Fields{
		"estimated_net":     res.Estimated.Net().String(),
		"authoritative_net": res.Authoritative.Net().String(),
	}).Warn("readback corrected running estimate")
	e.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeReadbackCorrection,
		TradeID: s.ID,
		Symbol:  s.Symbol,
		Message: mismatch.Error(),
		Fields: map[string]any{
			"vwap_diff_bps":     res.MaxVWAPDiff.StringFixed(4),
			"pnl_diff":          res.NetPnLDiff.String(),
			"estimated_net":     res.Estimated.Net().String(),
			"authoritative_net": res.Authoritative.Net().String(),
		},
	})
	return res, nil
}

// fetchBook rebuilds one fill book from the venue. Fill history is used when
// the venue has it; otherwise each order's cumulative status is replayed. An
// order missing from the history, or whose ambiguous status shows less than
// was recorded, keeps the recorded amount: that came from a corroborated
// ghost fill.
func (e *Engine) fetchBook(ctx context.Context, venueName, symbol string, current model.FillBook) (model.FillBook, error) {
	refs := current.OrderRefs()
	if len(refs) == 0 {
		return current.Clone(), nil
	}
	sort.Strings(refs)
	v, ok := e.venues[venueName]
	if !ok {
		return model.FillBook{}, fmt.Errorf("unknown venue %q", venueName)
	}

	if v.Capabilities().FillHistory {
		var all []model.Fill
		var missing []string
		for _, ref := range refs {
			fills, err := v.GetFills(ctx, symbol, ref)
			if err != nil {
				return model.FillBook{}, err
			}
			n := len(all)
			for _, f := range fills {
				if f.OrderRef == ref {
					all = append(all, f)
				}
			}
			if len(all) == n {
				missing = append(missing, ref)
			}
		}
		book := model.BookFromFills(all)
		// orders the history does not know yet (unacknowledged placements
		// or a lagging feed) keep their recorded fills
		for _, ref := range missing {
			keepRecorded(&book, ref, current.Marks[ref])
		}
		return book, nil
	}

	book := model.FillBook{}
	for _, ref := range refs {
		mark := current.Marks[ref]
		st, err := v.GetOrderStatus(ctx, symbol, ref)
		if err != nil {
			return model.FillBook{}, err
		}
		if st.CumQty.LessThan(mark.Qty) && st.Status.IsAmbiguous() {
			keepRecorded(&book, ref, mark)
			continue
		}
		book.Observe(st.Report(markPrice(mark)))
	}
	return book, nil
}

// keepRecorded carries an order's recorded fills into book unchanged.
func keepRecorded(book *model.FillBook, ref string, mark model.OrderMark) {
	if !mark.Qty.IsPositive() {
		return
	}
	book.Observe(model.FillReport{OrderRef: ref, CumQty: mark.Qty, CumFee: mark.Fee, AvgPrice: markPrice(mark)})
}

func markPrice(mark model.OrderMark) decimal.Decimal {
	if !mark.Qty.IsPositive() {
		return decimal.Zero
	}
	return mark.Notional.Div(mark.Qty)
}

// vwapDiffBps returns |new-old|/old in basis points. Books where only one
// side has fills are not comparable.
func vwapDiffBps(old, fresh model.FillBook) (decimal.Decimal, bool) {
	ov, ok1 := old.VWAP()
	nv, ok2 := fresh.VWAP()
	switch {
	case !ok1 && !ok2:
		return decimal.Zero, true
	case ok1 != ok2:
		return decimal.Zero, false
	}
	return nv.Sub(ov).Abs().Div(ov).Mul(bps), true
}
