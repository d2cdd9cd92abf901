// Package execution runs the two-leg trade saga: the maker-first open, the
// IOC hedge, the compensating rollback and the managed close.
package execution

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundarb/config"
	"fundarb/internal/accounting"
	"fundarb/internal/apperr"
	"fundarb/internal/audit"
	"fundarb/internal/ghostfill"
	"fundarb/internal/metrics"
	"fundarb/internal/model"
	"fundarb/internal/persistence"
	"fundarb/internal/venue"
	"fundarb/logger"
)

// ErrOrderOutstanding is returned when a leg still has an open order.
var ErrOrderOutstanding = errors.New("leg has an outstanding order")

// core holds what the coordinator and the rollback processor share: gated
// venues, fill detection, accounting and the state bookkeeping.
type core struct {
	venues     map[string]venue.Venue
	detector   *ghostfill.Detector
	accounting *accounting.Engine
	store      persistence.Store
	recorder   *audit.Recorder
	rollback   config.RollbackConfig
	// illiquid holds venue/symbol pairs priced off the mark when flattening.
	illiquid map[string]bool
	now      func() time.Time
	log      *logger.Log
}

func (c *core) venue(name string) (venue.Venue, error) {
	v, ok := c.venues[name]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", name)
	}
	return v, nil
}

func (c *core) persist(ctx context.Context, t *model.Trade) {
	if c.store == nil {
		return
	}
	s := t.Snapshot()
	if err := c.store.PersistTradeSnapshot(ctx, s); err != nil {
		c.log.WithComponent("coordinator").WithTrade(s.ID, s.Symbol).WithError(err).Error("failed to queue trade snapshot")
	}
}

// transition moves t to a new state, then records and persists it.
func (c *core) transition(ctx context.Context, t *model.Trade, to model.ExecState, fields map[string]any) error {
	from := t.CurrentStatus()
	if err := t.Transition(to); err != nil {
		return err
	}
	metrics.ObserveTransition(string(to))
	s := t.Snapshot()
	fields = maps.Clone(fields)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["from"] = string(from)
	fields["to"] = string(to)
	c.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeTransition,
		TradeID: s.ID,
		Symbol:  s.Symbol,
		Message: string(from) + " -> " + string(to),
		Fields:  fields,
	})
	c.persist(ctx, t)
	return nil
}

// signedPosition reads the live signed position.
func (c *core) signedPosition(ctx context.Context, v venue.Venue, symbol string) (decimal.Decimal, error) {
	pos, err := v.GetPosition(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return pos.Signed(), nil
}

// orderSpec is one order placed for a leg.
type orderSpec struct {
	venue venue.Venue
	role  model.LegRole
	phase accounting.Phase
	req   model.OrderRequest
	// baseline is the signed position before placement, for ghost checks.
	baseline decimal.Decimal
}

// submit places o after claiming the leg's order slot. The slot stays
// claimed until settle runs. A placement that may have reached the book
// without an acknowledgement comes back as a settled ghost check.
func (c *core) submit(ctx context.Context, t *model.Trade, o orderSpec) (model.OrderAck, error) {
	var busy bool
	t.Update(func(s *model.TradeState) {
		leg := s.Leg(o.role)
		if leg.OrderOpen {
			busy = true
			return
		}
		leg.OrderOpen = true
	})
	if busy {
		return model.OrderAck{}, ErrOrderOutstanding
	}
	if o.req.ClientID == "" {
		o.req.ClientID = uuid.NewString()
	}

	ack, err := o.venue.PlaceOrder(ctx, o.req)
	if err != nil {
		c.release(t, o.role, "")
		return model.OrderAck{}, err
	}
	t.Update(func(s *model.TradeState) { s.Leg(o.role).OrderRef = ack.OrderRef })

	s := t.Snapshot()
	c.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeOrderPlaced,
		TradeID: s.ID,
		Symbol:  s.Symbol,
		Fields: map[string]any{
			"venue":     o.venue.Name(),
			"role":      string(o.role),
			"phase":     string(o.phase),
			"order_ref": ack.OrderRef,
			"side":      string(o.req.Side),
			"tif":       string(o.req.TimeInForce),
			"qty":       o.req.Qty.String(),
			"price":     o.req.Price.String(),
			"status":    string(ack.Status),
		},
	})
	c.persist(ctx, t)
	return ack, nil
}

func (c *core) release(t *model.Trade, role model.LegRole, ref string) {
	t.Update(func(s *model.TradeState) {
		leg := s.Leg(role)
		leg.OrderOpen = false
		if ref != "" {
			leg.OrderRef = ref
		}
	})
}

// settle reads the order's final status and folds its fills into the leg.
// A terminal status that can hide a fill is checked against the position
// and fill history before the order is considered done. It returns the
// order's filled quantity.
func (c *core) settle(ctx context.Context, t *model.Trade, o orderSpec, ref string) (decimal.Decimal, error) {
	defer c.release(t, o.role, ref)

	st, err := o.venue.GetOrderStatus(ctx, o.req.Symbol, ref)
	if err == nil {
		c.accounting.ObserveFill(t, o.role, o.phase, st.Report(o.req.Price))
	}
	filled := c.orderQty(t, o, ref)
	if err == nil && !(st.Status.IsAmbiguous() && filled.LessThan(o.req.Qty)) {
		return filled, nil
	}

	res, gerr := c.detector.Check(ctx, o.venue, ghostfill.Probe{
		Symbol:      o.req.Symbol,
		OrderRef:    ref,
		Side:        o.req.Side,
		Baseline:    o.baseline,
		ReportedQty: filled,
		LimitPrice:  o.req.Price,
	})
	if gerr != nil {
		return filled, gerr
	}
	if res.Filled && res.Qty.GreaterThan(filled) {
		c.accounting.ObserveFill(t, o.role, o.phase, res.Report(ref, c.now()))
		s := t.Snapshot()
		c.recorder.Record(ctx, audit.Event{
			Type:    audit.TypeGhostFill,
			TradeID: s.ID,
			Symbol:  s.Symbol,
			Message: "fill found behind " + string(st.Status) + " status",
			Fields: map[string]any{
				"venue":     o.venue.Name(),
				"order_ref": ref,
				"reported":  filled.String(),
				"qty":       res.Qty.String(),
				"price":     res.Price.String(),
				"evidence":  res.Evidence,
			},
		})
	}
	return c.orderQty(t, o, ref), nil
}

// placeAmbiguous handles a placement whose outcome is unknown: no order
// reference came back, so only the position can tell whether it traded.
func (c *core) placeAmbiguous(ctx context.Context, t *model.Trade, o orderSpec) (decimal.Decimal, error) {
	ref := "unacked-" + o.req.ClientID
	defer c.release(t, o.role, "")
	res, err := c.detector.Check(ctx, o.venue, ghostfill.Probe{
		Symbol:     o.req.Symbol,
		Side:       o.req.Side,
		Baseline:   o.baseline,
		LimitPrice: o.req.Price,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !res.Filled {
		return decimal.Zero, nil
	}
	qty := decimal.Min(res.Qty, o.req.Qty)
	res.Qty = qty
	c.accounting.ObserveFill(t, o.role, o.phase, res.Report(ref, c.now()))
	return qty, nil
}

// execute places an immediate order and settles it.
func (c *core) execute(ctx context.Context, t *model.Trade, o orderSpec) (decimal.Decimal, error) {
	if o.req.ClientID == "" {
		o.req.ClientID = uuid.NewString()
	}
	ack, err := c.submit(ctx, t, o)
	if err != nil {
		if apperr.KindOf(err) == apperr.AmbiguousFill {
			return c.placeAmbiguous(context.WithoutCancel(ctx), t, o)
		}
		return decimal.Zero, err
	}
	// the order exists now; its fills are read even if ctx has ended
	return c.settle(context.WithoutCancel(ctx), t, o, ack.OrderRef)
}

func (c *core) orderQty(t *model.Trade, o orderSpec, ref string) decimal.Decimal {
	s := t.Snapshot()
	leg := s.Leg(o.role)
	if o.phase == accounting.PhaseExit {
		return leg.Exit.OrderQty(ref)
	}
	return leg.Entry.OrderQty(ref)
}
