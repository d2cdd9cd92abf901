package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"fundarb/internal/accounting"
	"fundarb/internal/audit"
	"fundarb/internal/gate"
	"fundarb/internal/metrics"
	"fundarb/internal/model"
	"fundarb/internal/venue"
	"fundarb/logger"
)

const (
	LadderNormal   = "normal"
	LadderShutdown = "shutdown"
)

// Ladder is an escalating sequence of price tolerances, one per attempt.
type Ladder struct {
	Name  string
	Steps []decimal.Decimal
}

func (c *core) ladder(shutdown bool) Ladder {
	if shutdown {
		return Ladder{Name: LadderShutdown, Steps: c.rollback.ShutdownLadder}
	}
	return Ladder{Name: LadderNormal, Steps: c.rollback.NormalLadder}
}

// flattenResult describes one leg after a flatten run.
type flattenResult struct {
	Role      model.LegRole
	Remaining decimal.Decimal
	Attempts  int
	// Loss is the slippage of the exit fills against the entry VWAP.
	Loss decimal.Decimal
}

func (r flattenResult) Flat() bool { return !r.Remaining.IsPositive() }

// flatten closes whatever the venue still holds for the leg, one IOC order
// per ladder step. The live position is re-read before every attempt so
// fills a previous attempt hid are never sold twice.
func (c *core) flatten(ctx context.Context, t *model.Trade, role model.LegRole, ladder Ladder) (flattenResult, error) {
	s := t.Snapshot()
	leg := s.Leg(role)
	res := flattenResult{Role: role}
	if leg == nil {
		return res, nil
	}
	v, err := c.venue(leg.Venue)
	if err != nil {
		return res, err
	}
	exitSide := leg.Side.Inverse()
	log := c.log.WithComponent("rollback").WithTrade(s.ID, s.Symbol).WithFields(logger.Fields{
		"venue":  leg.Venue,
		"role":   string(role),
		"ladder": ladder.Name,
	})

	for i, tol := range ladder.Steps {
		baseline, err := c.signedPosition(ctx, v, s.Symbol)
		if err != nil {
			log.WithError(err).Warn("failed to read position before attempt")
			res.Remaining = leg.OpenQty()
			continue
		}
		res.Remaining = heldQty(baseline, leg.Side)
		if !res.Remaining.IsPositive() {
			break
		}

		ref, source, err := c.referencePrice(ctx, v, s.Symbol, exitSide)
		if err != nil {
			log.WithError(err).Warn("no reference price for attempt")
			c.recordAttempt(ctx, t, ladder, i+1, tol, "no_price", decimal.Zero, decimal.Zero)
			continue
		}
		limit := ref.Mul(decimal.NewFromInt(1).Sub(tol))
		if exitSide == model.SideBuy {
			limit = ref.Mul(decimal.NewFromInt(1).Add(tol))
		}

		o := orderSpec{
			venue: v,
			role:  role,
			phase: accounting.PhaseExit,
			req: model.OrderRequest{
				Symbol:      s.Symbol,
				Side:        exitSide,
				Type:        model.OrderTypeLimit,
				TimeInForce: model.TIFImmediateOrCancel,
				Qty:         res.Remaining,
				Price:       limit,
				ReduceOnly:  v.Capabilities().ReduceOnly,
			},
			baseline: baseline,
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.rollback.AttemptTimeout+c.detector.Timeout())
		filled, err := c.execute(attemptCtx, t, o)
		cancel()
		res.Attempts++

		outcome := "unfilled"
		switch {
		case err != nil:
			outcome = "error"
			log.WithError(err).WithFields(logger.Fields{"attempt": i + 1}).Warn("flatten attempt failed")
		case filled.GreaterThanOrEqual(res.Remaining):
			outcome = "filled"
		case filled.IsPositive():
			outcome = "partial"
		}
		log.WithFields(logger.Fields{
			"attempt":   i + 1,
			"tolerance": tol.String(),
			"reference": ref.String(),
			"source":    source,
			"limit":     limit.String(),
			"qty":       res.Remaining.String(),
			"filled":    filled.String(),
		}).Info("flatten attempt")
		c.recordAttempt(ctx, t, ladder, i+1, tol, outcome, limit, filled)
	}

	if pos, err := c.signedPosition(ctx, v, s.Symbol); err == nil {
		res.Remaining = heldQty(pos, leg.Side)
	}
	final := t.Snapshot()
	res.Loss = slippageLoss(final.Leg(role))
	return res, nil
}

// referencePrice is the price the next attempt's limit is derived from: the
// executable side of the book, or the mark when the symbol is illiquid or
// the book is too wide to trust.
func (c *core) referencePrice(ctx context.Context, v venue.Venue, symbol string, exitSide model.Side) (decimal.Decimal, string, error) {
	ctx = gate.WithoutCache(ctx)
	q, qerr := v.GetTopOfBook(ctx, symbol)
	liquid := qerr == nil && q.Valid() && !c.illiquid[v.Name()+"/"+symbol]
	if liquid && c.rollback.IlliquidSpreadBps.IsPositive() && q.SpreadBps().GreaterThan(c.rollback.IlliquidSpreadBps) {
		liquid = false
	}
	if liquid {
		return q.EntryPrice(exitSide), "book", nil
	}

	if v.Capabilities().MarkPrice {
		if mark, err := v.GetMarkPrice(ctx, symbol); err == nil && mark.IsPositive() {
			return mark, "mark", nil
		}
	}
	mid, err := v.GetMidPrice(ctx, symbol)
	if err != nil {
		if qerr != nil {
			return decimal.Zero, "", qerr
		}
		return decimal.Zero, "", err
	}
	if !mid.IsPositive() {
		return decimal.Zero, "", fmt.Errorf("no usable price for %s on %s", symbol, v.Name())
	}
	return mid, "mid", nil
}

func (c *core) recordAttempt(ctx context.Context, t *model.Trade, ladder Ladder, attempt int, tol decimal.Decimal, outcome string, limit, filled decimal.Decimal) {
	metrics.ObserveRollbackAttempt(ladder.Name, outcome)
	s := t.Snapshot()
	c.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeRollbackAttempt,
		TradeID: s.ID,
		Symbol:  s.Symbol,
		Fields: map[string]any{
			"ladder":    ladder.Name,
			"attempt":   attempt,
			"tolerance": tol.String(),
			"outcome":   outcome,
			"limit":     limit.String(),
			"filled":    filled.String(),
		},
	})
}

// heldQty is the part of a signed position that points the leg's way.
func heldQty(signed decimal.Decimal, side model.Side) decimal.Decimal {
	if side == model.SideSell {
		signed = signed.Neg()
	}
	if signed.IsNegative() {
		return decimal.Zero
	}
	return signed
}

// slippageLoss is (entry - exit)*qty for a long and (exit - entry)*qty for
// a short over the closed quantity.
func slippageLoss(leg *model.Leg) decimal.Decimal {
	if leg == nil {
		return decimal.Zero
	}
	return leg.PricePnL().Neg()
}
