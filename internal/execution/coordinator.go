package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundarb/config"
	"fundarb/internal/accounting"
	"fundarb/internal/apperr"
	"fundarb/internal/audit"
	"fundarb/internal/exit"
	"fundarb/internal/gate"
	"fundarb/internal/ghostfill"
	"fundarb/internal/metrics"
	"fundarb/internal/model"
	"fundarb/internal/persistence"
	"fundarb/internal/venue"
	"fundarb/logger"
)

var (
	ErrShuttingDown   = errors.New("coordinator is shutting down")
	ErrSymbolBusy     = errors.New("symbol already has a live trade")
	ErrTradeNotFound  = errors.New("trade not found")
	ErrTradeTerminal  = errors.New("trade already finished")
	ErrMakerNotFilled = errors.New("maker leg never filled")
	ErrSpreadTooWide  = errors.New("maker book spread above regime limit")
)

// OpenRequest asks for a new hedged position. The hedge leg takes the
// opposite side of the maker leg.
type OpenRequest struct {
	Symbol     string          `json:"symbol" binding:"required"`
	Qty        decimal.Decimal `json:"qty"`
	MakerVenue string          `json:"maker_venue" binding:"required"`
	HedgeVenue string          `json:"hedge_venue" binding:"required"`
	MakerSide  model.Side      `json:"maker_side" binding:"required"`
	// Regime overrides the volatility port when set.
	Regime   model.Regime    `json:"regime,omitempty"`
	EntryAPY decimal.Decimal `json:"entry_apy"`
}

func (r OpenRequest) Validate() error {
	switch {
	case r.Symbol == "":
		return fmt.Errorf("symbol is required")
	case !r.Qty.IsPositive():
		return fmt.Errorf("qty must be positive")
	case r.MakerVenue == "" || r.HedgeVenue == "":
		return fmt.Errorf("maker_venue and hedge_venue are required")
	case r.MakerVenue == r.HedgeVenue:
		return fmt.Errorf("legs must be on different venues")
	}
	if _, ok := model.ParseSide(string(r.MakerSide)); !ok {
		return fmt.Errorf("invalid maker_side %q", r.MakerSide)
	}
	return nil
}

type Options struct {
	Execution config.ExecutionConfig
	Rollback  config.RollbackConfig
	// Venues are the gated venues, one per configured venue name.
	Venues []venue.Venue
	// Illiquid maps a venue name to the symbols flattened off the mark.
	Illiquid   map[string][]string
	Detector   *ghostfill.Detector
	Accounting *accounting.Engine
	Volatility Volatility
	Store      persistence.Store
	Archiver   persistence.Archiver
	Recorder   *audit.Recorder
	Registry   *Registry
	Now        func() time.Time
}

// Coordinator drives each trade through the execution saga. Distinct trades
// run concurrently; opens and closes of one symbol are serialised.
type Coordinator struct {
	core       *core
	cfg        config.ExecutionConfig
	volatility Volatility
	archiver   persistence.Archiver
	registry   *Registry
	locks      *SymbolLocks
	rollbacks  *RollbackProcessor

	mu         sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
	inflight   sync.WaitGroup

	log *logger.Log
}

func New(opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Volatility == nil {
		opts.Volatility = NewStaticVolatility()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Execution.StatusPollInterval <= 0 {
		opts.Execution.StatusPollInterval = 250 * time.Millisecond
	}
	if opts.Execution.HedgeAttempts <= 0 {
		opts.Execution.HedgeAttempts = 1
	}
	venues := make(map[string]venue.Venue, len(opts.Venues))
	for _, v := range opts.Venues {
		venues[v.Name()] = v
	}
	illiquid := make(map[string]bool)
	for name, symbols := range opts.Illiquid {
		for _, s := range symbols {
			illiquid[name+"/"+s] = true
		}
	}
	log := logger.GetLogger()
	c := &Coordinator{
		core: &core{
			venues:     venues,
			detector:   opts.Detector,
			accounting: opts.Accounting,
			store:      opts.Store,
			recorder:   opts.Recorder,
			rollback:   opts.Rollback,
			illiquid:   illiquid,
			now:        opts.Now,
			log:        log,
		},
		cfg:        opts.Execution,
		volatility: opts.Volatility,
		archiver:   opts.Archiver,
		registry:   opts.Registry,
		locks:      NewSymbolLocks(),
		shutdownCh: make(chan struct{}),
		log:        log,
	}
	c.rollbacks = newRollbackProcessor(c.core, c.ShuttingDown)
	return c
}

// Start runs the rollback workers until ctx ends.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.rollbacks.Start(ctx)
}

func (c *Coordinator) Stop() {
	c.rollbacks.Stop()
}

func (c *Coordinator) Registry() *Registry { return c.registry }

func (c *Coordinator) ShuttingDown() bool {
	select {
	case <-c.shutdownCh:
		return true
	default:
		return false
	}
}

// Shutdown switches every in-flight open onto the shutdown path and waits
// for them to settle. New opens are refused from here on.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.signalShutdown()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight opens: %w", ctx.Err())
	}
}

func (c *Coordinator) signalShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return
	}
	c.shutdown = true
	close(c.shutdownCh)
	c.log.WithComponent("coordinator").Warn("shutdown requested, switching in-flight trades to the shutdown path")
}

func (c *Coordinator) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return false
	}
	c.inflight.Add(1)
	return true
}

func (c *Coordinator) lock(ctx context.Context, symbol string) (func(), error) {
	if c.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.LockTimeout)
		defer cancel()
	}
	return c.locks.Lock(ctx, symbol)
}

// Open runs the maker-first entry. The returned state is the trade as it
// stands when Open returns, also on error.
func (c *Coordinator) Open(ctx context.Context, req OpenRequest) (model.TradeState, error) {
	if err := req.Validate(); err != nil {
		return model.TradeState{}, apperr.New(apperr.OrderRejected, "open", err)
	}
	req.MakerSide, _ = model.ParseSide(string(req.MakerSide))
	maker, err := c.core.venue(req.MakerVenue)
	if err != nil {
		return model.TradeState{}, err
	}
	hedge, err := c.core.venue(req.HedgeVenue)
	if err != nil {
		return model.TradeState{}, err
	}
	if !c.enter() {
		return model.TradeState{}, ErrShuttingDown
	}
	defer c.inflight.Done()

	release, err := c.lock(ctx, req.Symbol)
	if err != nil {
		return model.TradeState{}, err
	}
	defer release()
	if c.registry.HoldsSymbol(req.Symbol) {
		return model.TradeState{}, fmt.Errorf("%w: %s", ErrSymbolBusy, req.Symbol)
	}
	c.cancelStale(ctx, req.Symbol, maker, hedge)

	regime := req.Regime
	if regime == "" {
		regime, err = c.volatility.CurrentRegime(ctx, req.Symbol)
		if err != nil {
			c.log.WithComponent("coordinator").WithFields(logger.Fields{"symbol": req.Symbol}).WithError(err).Warn("volatility regime unavailable, using NORMAL")
			regime = model.RegimeNormal
		}
	}

	t := model.NewTrade(req.Symbol, req.Qty,
		model.Leg{Venue: maker.Name(), Side: req.MakerSide},
		model.Leg{Venue: hedge.Name(), Side: req.MakerSide.Inverse()},
		c.core.now())
	t.Update(func(s *model.TradeState) { s.EntryAPY = req.EntryAPY })
	c.registry.Add(t)
	c.core.persist(ctx, t)

	c.log.WithComponent("coordinator").WithTrade(t.ID, req.Symbol).WithFields(logger.Fields{
		"maker_venue": maker.Name(),
		"hedge_venue": hedge.Name(),
		"maker_side":  string(req.MakerSide),
		"qty":         req.Qty.String(),
		"regime":      string(regime),
	}).Info("opening trade")

	err = c.open(ctx, t, maker, hedge, profileFor(c.cfg.Regimes, regime))
	return t.Snapshot(), err
}

// cancelStale clears orders left resting on either venue for the symbol.
// The caller holds the symbol lock and no live trade owns the symbol.
func (c *Coordinator) cancelStale(ctx context.Context, symbol string, venues ...venue.Venue) {
	for _, v := range venues {
		if !v.Capabilities().CancelAll {
			continue
		}
		if err := v.CancelAllOrders(ctx, symbol); err != nil {
			c.log.WithComponent("coordinator").WithFields(logger.Fields{
				"venue":  v.Name(),
				"symbol": symbol,
			}).WithError(err).Warn("failed to cancel stale orders")
		}
	}
}

func (c *Coordinator) open(ctx context.Context, t *model.Trade, maker, hedge venue.Venue, profile config.RegimeProfile) error {
	s := t.Snapshot()
	log := c.log.WithComponent("coordinator").WithTrade(s.ID, s.Symbol)

	book, err := maker.GetTopOfBook(gate.WithoutCache(ctx), s.Symbol)
	if err != nil {
		c.abandon(ctx, t, "maker_book_unavailable")
		return err
	}
	if !book.Valid() {
		c.abandon(ctx, t, "maker_book_invalid")
		return apperr.Newf(apperr.StaleData, "open", "invalid book %s/%s", maker.Name(), s.Symbol)
	}
	if profile.MaxSpreadBps.IsPositive() && book.SpreadBps().GreaterThan(profile.MaxSpreadBps) {
		c.abandon(ctx, t, "spread_too_wide")
		return fmt.Errorf("%w: %s bps > %s bps", ErrSpreadTooWide, book.SpreadBps().StringFixed(2), profile.MaxSpreadBps)
	}
	baseline, err := c.core.signedPosition(ctx, maker, s.Symbol)
	if err != nil {
		c.abandon(ctx, t, "maker_position_unavailable")
		return err
	}

	tif := model.TIFGoodTillCancel
	if maker.Capabilities().PostOnly {
		tif = model.TIFPostOnly
	}
	o := orderSpec{
		venue: maker,
		role:  model.RoleMaker,
		phase: accounting.PhaseEntry,
		req: model.OrderRequest{
			Symbol:      s.Symbol,
			Side:        s.Maker.Side,
			Type:        model.OrderTypeLimit,
			TimeInForce: tif,
			Qty:         s.TargetQty,
			Price:       book.PassivePrice(s.Maker.Side),
			ClientID:    uuid.NewString(),
		},
		baseline: baseline,
	}
	t.Update(func(s *model.TradeState) { s.Maker.EntryMidPrice = book.Mid() })

	filled, sent, err := c.placeMaker(ctx, t, o, profile.MakerTimeout)
	if !sent {
		c.abandon(ctx, t, "maker_rejected")
		return err
	}
	// exposure may exist from here on; nothing below is abandoned on ctx
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		log.WithError(err).Error("maker fill could not be confirmed, unwinding")
		if _, cerr := c.closeLocked(ctx, t, "maker_unconfirmed", c.ShuttingDown()); cerr != nil {
			return fmt.Errorf("%w (unwind: %w)", err, cerr)
		}
		return err
	}
	if !filled.IsPositive() {
		c.abandon(ctx, t, string(exit.ReasonMakerNeverFilled))
		return ErrMakerNotFilled
	}

	filledAt := c.core.now()
	t.Update(func(s *model.TradeState) {
		s.OpenedAt = filledAt
		if vwap, ok := s.Maker.Entry.VWAP(); ok {
			s.Notional = vwap.Mul(s.Maker.Entry.Qty)
		}
	})
	if err := c.core.transition(ctx, t, model.StateLeg1Filled, map[string]any{"filled": filled.String()}); err != nil {
		return err
	}
	if c.ShuttingDown() {
		log.Warn("shutdown after maker fill, closing instead of hedging")
		_, err := c.closeLocked(ctx, t, string(exit.ReasonShutdown), true)
		return errors.Join(ErrShuttingDown, err)
	}

	if err := c.hedge(ctx, t, maker, hedge, profile, filled, filledAt); err != nil {
		log.WithError(err).Warn("hedge failed, rolling back")
		return c.rollback(ctx, t, err)
	}

	t.Update(func(s *model.TradeState) {
		mv, _ := s.Maker.Entry.VWAP()
		hv, _ := s.Hedge.Entry.VWAP()
		// price captured by selling above the buy
		if s.Maker.Side == model.SideBuy {
			s.EntrySpread = hv.Sub(mv)
		} else {
			s.EntrySpread = mv.Sub(hv)
		}
	})
	if err := c.core.transition(ctx, t, model.StateComplete, nil); err != nil {
		return err
	}
	s = t.Snapshot()
	log.WithFields(logger.Fields{
		"qty":          s.Maker.Entry.Qty.String(),
		"entry_spread": s.EntrySpread.String(),
		"notional":     s.Notional.String(),
	}).Info("trade open and hedged")
	return nil
}

// placeMaker submits the maker order and waits for it. sent is false when the
// order provably never reached the book.
func (c *Coordinator) placeMaker(ctx context.Context, t *model.Trade, o orderSpec, timeout time.Duration) (filled decimal.Decimal, sent bool, err error) {
	ack, err := c.core.submit(ctx, t, o)
	if err != nil && apperr.KindOf(err) != apperr.AmbiguousFill {
		return decimal.Zero, false, err
	}
	if terr := c.core.transition(ctx, t, model.StateLeg1Sent, nil); terr != nil {
		return decimal.Zero, true, terr
	}
	if err != nil {
		filled, err = c.core.placeAmbiguous(context.WithoutCancel(ctx), t, o)
		return filled, true, err
	}
	if ack.Status == model.OrderStatusRejected {
		c.core.release(t, o.role, ack.OrderRef)
		return decimal.Zero, true, nil
	}
	filled, err = c.awaitMaker(ctx, t, o, ack.OrderRef, timeout)
	return filled, true, err
}

// awaitMaker polls the maker order until it is done, the regime timeout
// passes or shutdown starts, cancels what is left and settles it.
func (c *Coordinator) awaitMaker(ctx context.Context, t *model.Trade, o orderSpec, ref string, timeout time.Duration) (decimal.Decimal, error) {
	log := c.log.WithComponent("coordinator").WithTrade(t.ID, o.req.Symbol).WithFields(logger.Fields{"order_ref": ref})
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.StatusPollInterval)
	defer ticker.Stop()

	terminal := false
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-c.shutdownCh:
			break wait
		case <-deadline.C:
			log.Debug("maker timeout reached")
			break wait
		case <-ticker.C:
			st, err := o.venue.GetOrderStatus(ctx, o.req.Symbol, ref)
			if err != nil {
				log.WithError(err).Debug("maker status poll failed")
				continue
			}
			c.core.accounting.ObserveFill(t, o.role, o.phase, st.Report(o.req.Price))
			if st.Status.IsTerminal() {
				terminal = true
				break wait
			}
		}
	}

	ctx = context.WithoutCancel(ctx)
	if !terminal {
		if err := o.venue.CancelOrder(ctx, o.req.Symbol, ref); err != nil {
			log.WithError(err).Warn("failed to cancel maker remainder")
		}
	}
	return c.core.settle(ctx, t, o, ref)
}

// hedge takes the opposite side on the hedge venue with IOC orders sized
// from the confirmed maker fill. It gives up once the unhedged window is
// spent, leaving whatever partial hedge exists to the rollback.
func (c *Coordinator) hedge(ctx context.Context, t *model.Trade, makerV, hedgeV venue.Venue, profile config.RegimeProfile, target decimal.Decimal, filledAt time.Time) error {
	s := t.Snapshot()
	log := c.log.WithComponent("coordinator").WithTrade(s.ID, s.Symbol)

	// the hedge phase starts here so any failure below can still roll back
	if err := c.core.transition(ctx, t, model.StateLeg2Sent, nil); err != nil {
		return err
	}

	fresh := gate.WithoutCache(ctx)
	quotes := make(map[model.LegRole]model.Quote, 2)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(fresh)
	for role, v := range map[model.LegRole]venue.Venue{model.RoleMaker: makerV, model.RoleHedge: hedgeV} {
		g.Go(func() error {
			q, err := v.GetTopOfBook(gctx, s.Symbol)
			if err != nil {
				return err
			}
			mid, err := v.GetMidPrice(gctx, s.Symbol)
			if err != nil {
				return err
			}
			mu.Lock()
			quotes[role] = q
			if role == model.RoleHedge {
				t.Update(func(s *model.TradeState) { s.Hedge.EntryMidPrice = mid })
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return apperr.New(apperr.HedgeFailure, "hedge_prices", err)
	}
	if err := accounting.CheckSamples(c.core.now(), c.cfg.PriceFreshness, c.cfg.MaxSourceSkew, quotes[model.RoleMaker], quotes[model.RoleHedge]); err != nil {
		return apperr.New(apperr.HedgeFailure, "hedge_prices", err)
	}
	c.core.accounting.RecordPrices(t, quotes)

	side := s.Hedge.Side
	quote := quotes[model.RoleHedge]
	var lastErr error
	for attempt := 1; attempt <= c.cfg.HedgeAttempts; attempt++ {
		if c.ShuttingDown() {
			lastErr = ErrShuttingDown
			break
		}
		remaining := target.Sub(t.Snapshot().Hedge.Entry.Qty)
		if !remaining.IsPositive() {
			break
		}
		left := c.cfg.UnhedgedWindowMax - c.core.now().Sub(filledAt)
		if c.cfg.UnhedgedWindowMax > 0 && left <= 0 {
			lastErr = fmt.Errorf("unhedged window of %s spent", c.cfg.UnhedgedWindowMax)
			break
		}
		timeout := c.cfg.HedgeTimeout
		if timeout <= 0 || (c.cfg.UnhedgedWindowMax > 0 && left < timeout) {
			timeout = left
		}

		if attempt > 1 {
			q, err := hedgeV.GetTopOfBook(fresh, s.Symbol)
			if err != nil {
				lastErr = err
				continue
			}
			quote = q
		}
		baseline, err := c.core.signedPosition(ctx, hedgeV, s.Symbol)
		if err != nil {
			lastErr = err
			continue
		}
		o := orderSpec{
			venue: hedgeV,
			role:  model.RoleHedge,
			phase: accounting.PhaseEntry,
			req: model.OrderRequest{
				Symbol:      s.Symbol,
				Side:        side,
				Type:        model.OrderTypeLimit,
				TimeInForce: model.TIFImmediateOrCancel,
				Qty:         remaining,
				Price:       hedgeLimit(quote, side, profile.HedgeSlippage),
			},
			baseline: baseline,
		}
		actx, cancel := context.WithTimeout(ctx, timeout)
		filled, err := c.core.execute(actx, t, o)
		cancel()
		log.WithFields(logger.Fields{
			"attempt": attempt,
			"qty":     remaining.String(),
			"limit":   o.req.Price.String(),
			"filled":  filled.String(),
		}).Info("hedge attempt")
		if err != nil {
			lastErr = err
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("hedge attempt failed")
		}
	}

	hedged := t.Snapshot().Hedge.Entry.Qty
	window := c.core.now().Sub(filledAt)
	if c.cfg.UnhedgedWindowMax > 0 && window > c.cfg.UnhedgedWindowMax {
		c.core.recorder.Record(ctx, audit.Event{
			Type:    audit.TypeUnhedgedBreach,
			TradeID: s.ID,
			Symbol:  s.Symbol,
			Message: fmt.Sprintf("unhedged for %s, ceiling %s", window.Round(time.Millisecond), c.cfg.UnhedgedWindowMax),
			Fields: map[string]any{
				"window_ms": window.Milliseconds(),
				"max_ms":    c.cfg.UnhedgedWindowMax.Milliseconds(),
				"hedged":    hedged.String(),
				"target":    target.String(),
			},
		})
	}
	if hedged.GreaterThanOrEqual(target) {
		metrics.ObserveUnhedgedWindow(window.Seconds())
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("hedged %s of %s", hedged, target)
	}
	e := apperr.New(apperr.HedgeFailure, "hedge", lastErr)
	e.Venue, e.Symbol = hedgeV.Name(), s.Symbol
	return e
}

// hedgeLimit crosses the book by the regime's slippage allowance.
func hedgeLimit(q model.Quote, side model.Side, slippage decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == model.SideBuy {
		return q.Ask.Mul(one.Add(slippage))
	}
	return q.Bid.Mul(one.Sub(slippage))
}

// rollback hands a failed hedge to the rollback processor and waits for it.
func (c *Coordinator) rollback(ctx context.Context, t *model.Trade, cause error) error {
	if err := c.core.transition(ctx, t, model.StateRollbackQueued, map[string]any{"cause": cause.Error()}); err != nil {
		return errors.Join(cause, err)
	}
	done, err := c.rollbacks.Submit(ctx, t, c.ShuttingDown())
	if err != nil {
		return errors.Join(cause, err)
	}
	res := <-done
	if res.State == model.StateRollbackComplete {
		c.finalize(ctx, t)
	}
	if res.Err != nil {
		return fmt.Errorf("%w (after %w)", res.Err, cause)
	}
	return cause
}

// abandon ends a trade whose maker leg never traded.
func (c *Coordinator) abandon(ctx context.Context, t *model.Trade, reason string) {
	ctx = context.WithoutCancel(ctx)
	t.Update(func(s *model.TradeState) { s.CloseReason = reason })
	fields := map[string]any{"reason": reason}
	if err := c.core.transition(ctx, t, model.StateClosing, fields); err != nil {
		c.log.WithComponent("coordinator").WithTrade(t.ID, t.Symbol).WithError(err).Error("failed to abandon trade")
		return
	}
	t.Update(func(s *model.TradeState) { s.ClosedAt = c.core.now() })
	if err := c.core.transition(ctx, t, model.StateClosed, fields); err != nil {
		c.log.WithComponent("coordinator").WithTrade(t.ID, t.Symbol).WithError(err).Error("failed to abandon trade")
		return
	}
	c.finalize(ctx, t)
}

// Close flattens both legs of a trade. shutdown selects the aggressive
// ladder.
func (c *Coordinator) Close(ctx context.Context, id, reason string, shutdown bool) (model.TradeState, error) {
	t, ok := c.registry.Get(id)
	if !ok {
		return model.TradeState{}, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	release, err := c.lock(ctx, t.Symbol)
	if err != nil {
		return t.Snapshot(), err
	}
	defer release()
	return c.closeLocked(ctx, t, reason, shutdown)
}

func (c *Coordinator) closeLocked(ctx context.Context, t *model.Trade, reason string, shutdown bool) (model.TradeState, error) {
	ctx = context.WithoutCancel(ctx)
	s := t.Snapshot()
	log := c.log.WithComponent("coordinator").WithTrade(s.ID, s.Symbol)
	if s.Status.IsTerminal() {
		return s, fmt.Errorf("%w: %s is %s", ErrTradeTerminal, s.ID, s.Status)
	}
	if s.Status != model.StateClosing {
		t.Update(func(s *model.TradeState) { s.CloseReason = reason })
		if err := c.core.transition(ctx, t, model.StateClosing, map[string]any{"reason": reason}); err != nil {
			return t.Snapshot(), err
		}
	}

	ladder := c.core.ladder(shutdown || c.ShuttingDown())
	log.WithFields(logger.Fields{"reason": reason, "ladder": ladder.Name}).Info("closing trade")

	var results [2]flattenResult
	var g errgroup.Group
	for i, role := range []model.LegRole{model.RoleMaker, model.RoleHedge} {
		g.Go(func() error {
			r, err := c.core.flatten(ctx, t, role, ladder)
			if err != nil {
				r.Remaining = decimal.NewFromInt(-1)
			}
			results[i] = r
			return err
		})
	}
	ferr := g.Wait()

	var unflat []model.LegRole
	for _, r := range results {
		if r.Remaining.IsNegative() || !r.Flat() {
			unflat = append(unflat, r.Role)
		}
	}
	t.Update(func(s *model.TradeState) {
		s.ClosedAt = c.core.now()
		accounting.Realize(s)
	})
	if len(unflat) > 0 || ferr != nil {
		err := c.core.exhausted(ctx, t, ladder, unflat)
		return t.Snapshot(), errors.Join(err, ferr)
	}

	if err := c.core.transition(ctx, t, model.StateClosed, map[string]any{"reason": reason, "ladder": ladder.Name}); err != nil {
		return t.Snapshot(), err
	}
	c.finalize(ctx, t)
	s = t.Snapshot()
	log.WithFields(logger.Fields{
		"reason":  reason,
		"net_pnl": s.Realized.Net().String(),
		"funding": s.FundingCollected().String(),
	}).Info("trade closed")
	return s, nil
}

// Finalize retries the readback and archive of a finished trade.
func (c *Coordinator) Finalize(ctx context.Context, id string) bool {
	t, ok := c.registry.Get(id)
	if !ok {
		return true
	}
	st := t.CurrentStatus()
	if st != model.StateClosed && st != model.StateRollbackComplete {
		return false
	}
	return c.finalize(ctx, t)
}

// finalize reads the authoritative fills back, archives the trade and drops
// it from the registry. A failed step leaves the trade registered for a
// later retry.
func (c *Coordinator) finalize(ctx context.Context, t *model.Trade) bool {
	s := t.Snapshot()
	log := c.log.WithComponent("coordinator").WithTrade(s.ID, s.Symbol)
	if !s.Readback {
		if _, err := c.core.accounting.Readback(ctx, t); err != nil {
			log.WithError(err).Warn("readback failed, will retry")
			c.core.persist(ctx, t)
			return false
		}
	}
	c.core.persist(ctx, t)
	if c.archiver != nil {
		if err := c.archiver.ArchiveTrade(ctx, t.Snapshot()); err != nil {
			log.WithError(err).Warn("archive failed, will retry")
			return false
		}
	}
	c.registry.Remove(s.ID)
	return true
}

// Recover registers trades restored from the store. Trades caught mid-saga
// are closed; finished ones are finalized. FAILED trades stay registered for
// the operator.
func (c *Coordinator) Recover(ctx context.Context, states []model.TradeState) error {
	var errs []error
	for _, st := range states {
		t := model.RestoreTrade(st)
		c.registry.Add(t)
		log := c.log.WithComponent("coordinator").WithTrade(st.ID, st.Symbol).WithFields(logger.Fields{"status": string(st.Status)})
		switch {
		case st.Status == model.StateComplete, st.Status == model.StateFailed:
			log.Info("recovered trade")
		case st.Status.IsTerminal():
			c.finalize(ctx, t)
		default:
			log.Warn("recovered trade mid-saga, closing")
			if _, err := c.Close(ctx, st.ID, "recovery", c.ShuttingDown()); err != nil {
				errs = append(errs, fmt.Errorf("recover %s: %w", st.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}
