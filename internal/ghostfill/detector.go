// Package ghostfill decides whether an order whose venue status looks
// terminal without a fill actually traded, using the venue's position and
// fill history as the authoritative sources.
package ghostfill

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/config"
	"fundarb/internal/apperr"
	"fundarb/internal/metrics"
	"fundarb/internal/model"
	"fundarb/internal/venue"
	"fundarb/logger"
)

const (
	EvidencePosition = "position_delta"
	EvidenceFills    = "fill_history"
)

// Probe describes the order under suspicion.
type Probe struct {
	Symbol   string
	OrderRef string
	Side     model.Side
	// Baseline is the signed position before the order was placed.
	Baseline decimal.Decimal
	// ReportedQty is the cumulative quantity the venue reported.
	ReportedQty decimal.Decimal
	// LimitPrice prices a fill only visible through the position.
	LimitPrice decimal.Decimal
}

// Result is the verdict. Qty is the order's total filled quantity.
type Result struct {
	Filled   bool
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	Evidence string
	Polls    int
}

// Report converts a filled result into a cumulative fill report for the order.
func (r Result) Report(orderRef string, at time.Time) model.FillReport {
	return model.FillReport{
		OrderRef:      orderRef,
		CumQty:        r.Qty,
		CumFee:        r.Fee,
		AvgPrice:      r.Price,
		FallbackPrice: r.Price,
		At:            at,
	}
}

type Detector struct {
	interval time.Duration
	timeout  time.Duration
	log      *logger.Log
}

func New(cfg config.GhostFillConfig) *Detector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Timeout < cfg.PollInterval {
		cfg.Timeout = cfg.PollInterval
	}
	return &Detector{interval: cfg.PollInterval, timeout: cfg.Timeout, log: logger.GetLogger()}
}

// Timeout is the longest a Check can take.
func (d *Detector) Timeout() time.Duration { return d.timeout }

// Check polls v until a fill is corroborated or the timeout elapses. It
// returns Filled=false only when every complete poll saw zero; when no poll
// completed the outcome is AmbiguousFill.
func (d *Detector) Check(ctx context.Context, v venue.Venue, p Probe) (Result, error) {
	log := d.log.WithComponent("ghostfill").WithFields(logger.Fields{
		"venue":     v.Name(),
		"symbol":    p.Symbol,
		"order_ref": p.OrderRef,
	})
	useFills := v.Capabilities().FillHistory && p.OrderRef != ""

	deadline := time.NewTimer(d.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var (
		complete int
		lastErr  error
	)
	for poll := 1; ; poll++ {
		res, ok, err := d.poll(ctx, v, p, useFills)
		if err != nil {
			lastErr = err
			log.WithError(err).Debug("ghost fill poll failed")
		}
		if ok {
			complete++
		}
		if res.Filled {
			res.Polls = poll
			metrics.ObserveGhostFill("filled")
			log.WithFields(logger.Fields{
				"qty":      res.Qty.String(),
				"price":    res.Price.String(),
				"evidence": res.Evidence,
				"reported": p.ReportedQty.String(),
			}).Warn("ghost fill detected")
			return res, nil
		}

		select {
		case <-ctx.Done():
			metrics.ObserveGhostFill("ambiguous")
			return Result{Polls: poll}, apperr.New(apperr.AmbiguousFill, "ghost_fill_check", ctx.Err()).WithVenue(v.Name(), p.Symbol)
		case <-deadline.C:
			if complete == 0 {
				metrics.ObserveGhostFill("ambiguous")
				if lastErr == nil {
					lastErr = fmt.Errorf("no poll completed within %s", d.timeout)
				}
				return Result{Polls: poll}, apperr.New(apperr.AmbiguousFill, "ghost_fill_check", lastErr).WithVenue(v.Name(), p.Symbol)
			}
			metrics.ObserveGhostFill("unfilled")
			log.WithFields(logger.Fields{"polls": poll}).Debug("order confirmed unfilled")
			return Result{Polls: poll}, nil
		case <-ticker.C:
		}
	}
}

// poll reads the position and, when supported, the order's fill history.
// ok reports whether every source answered.
func (d *Detector) poll(ctx context.Context, v venue.Venue, p Probe, useFills bool) (Result, bool, error) {
	ok := true
	var firstErr error

	if useFills {
		fills, err := v.GetFills(ctx, p.Symbol, p.OrderRef)
		if err != nil {
			ok, firstErr = false, err
		} else if res := fromFills(fills, p.OrderRef); res.Filled {
			return res, true, nil
		}
	}

	pos, err := v.GetPosition(ctx, p.Symbol)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return Result{}, false, firstErr
	}
	delta := pos.Signed().Sub(p.Baseline)
	if p.Side == model.SideSell {
		delta = delta.Neg()
	}
	if delta.IsPositive() {
		price := p.LimitPrice
		if !price.IsPositive() {
			price = pos.MarkPrice
		}
		return Result{Filled: true, Qty: delta, Price: price, Evidence: EvidencePosition}, ok, firstErr
	}
	return Result{}, ok, firstErr
}

func fromFills(fills []model.Fill, orderRef string) Result {
	var mine []model.Fill
	for _, f := range fills {
		if f.OrderRef == orderRef {
			mine = append(mine, f)
		}
	}
	book := model.BookFromFills(mine)
	price, ok := book.VWAP()
	if !ok {
		return Result{}
	}
	return Result{Filled: true, Qty: book.Qty, Price: price, Fee: book.Fees, Evidence: EvidenceFills}
}
