// Package supervisor drives open trades after entry: it evaluates exits on a
// tick, reconciles funding on a slower cycle, retries unfinished archives
// and runs the shutdown close-out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundarb/config"
	"fundarb/internal/accounting"
	"fundarb/internal/audit"
	"fundarb/internal/execution"
	"fundarb/internal/exit"
	"fundarb/internal/metrics"
	"fundarb/internal/model"
	"fundarb/internal/venue"
	"fundarb/logger"
)

// Coordinator is the part of the execution core the supervisor drives.
type Coordinator interface {
	Registry() *execution.Registry
	Close(ctx context.Context, id, reason string, shutdown bool) (model.TradeState, error)
	Finalize(ctx context.Context, id string) bool
	Shutdown(ctx context.Context) error
}

// Opportunities reports the best apy currently available for symbol on
// another venue pair.
type Opportunities interface {
	BestAPY(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Flusher drains pending persistence writes before deadline.
type Flusher interface {
	Flush(deadline time.Time) error
}

type Options struct {
	Config      config.SupervisorConfig
	Execution   config.ExecutionConfig
	Accounting  config.AccountingConfig
	FlushWindow time.Duration

	Coordinator   Coordinator
	Evaluator     *exit.Evaluator
	Engine        *accounting.Engine
	Quotes        *accounting.QuoteSource
	Venues        []venue.Venue
	Volatility    execution.Volatility
	Opportunities Opportunities
	Store         Flusher
	Recorder      *audit.Recorder
	Now           func() time.Time
}

type Supervisor struct {
	opts    Options
	venues  map[string]venue.Venue
	history *rateHistory
	now     func() time.Time

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	log     *logger.Log
}

func New(opts Options) *Supervisor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Volatility == nil {
		opts.Volatility = execution.NewStaticVolatility()
	}
	if opts.Quotes == nil {
		opts.Quotes = accounting.NewQuoteSource(nil, opts.Execution.PriceFreshness)
	}
	if opts.Config.MaxConcurrentEvaluations <= 0 {
		opts.Config.MaxConcurrentEvaluations = 1
	}
	if opts.Config.MaxConcurrentRefresh <= 0 {
		opts.Config.MaxConcurrentRefresh = 1
	}
	byName := make(map[string]venue.Venue, len(opts.Venues))
	for _, v := range opts.Venues {
		byName[v.Name()] = v
	}
	return &Supervisor{
		opts:    opts,
		venues:  byName,
		history: newRateHistory(opts.Config.HistorySamples),
		now:     opts.Now,
		log:     logger.GetLogger(),
	}
}

// Start runs the exit and accounting loops until ctx ends.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("supervisor already running")
	}
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx, "exit", s.opts.Config.TickInterval, s.Tick)
	if s.opts.Engine != nil && s.opts.Accounting.CycleInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "accounting", s.opts.Accounting.CycleInterval, s.reconcile)
	}

	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"tick_interval":  s.opts.Config.TickInterval.String(),
		"cycle_interval": s.opts.Accounting.CycleInterval.String(),
	}).Info("supervisor started")
	return nil
}

// Stop waits for the loops to exit after their context ends.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.WithComponent("supervisor").Info("supervisor stopped")
}

func (s *Supervisor) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer s.wg.Done()
	log := s.log.WithComponent("supervisor").WithFields(logger.Fields{"loop": name})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("loop stopped due to context cancellation")
			return
		case <-ticker.C:
			start := time.Now()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("loop iteration failed")
			}
			logger.LogPerformanceEntry(log, "supervisor", name, time.Since(start), nil)
		}
	}
}

// Tick evaluates every COMPLETE trade once and retries the archive of
// closed trades whose readback or archive failed earlier.
func (s *Supervisor) Tick(ctx context.Context) error {
	reg := s.opts.Coordinator.Registry()
	metrics.SetOpenTrades(reg.Len())

	keep := make(map[string]bool)
	for _, t := range reg.List() {
		keep[t.ID] = true
	}
	s.history.prune(keep)

	for _, t := range reg.InStatus(model.StateClosed, model.StateRollbackComplete) {
		s.opts.Coordinator.Finalize(ctx, t.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Config.MaxConcurrentEvaluations)
	for _, t := range reg.InStatus(model.StateComplete) {
		t := t
		g.Go(func() error {
			s.evaluate(gctx, t, false)
			return nil
		})
	}
	return g.Wait()
}

// evaluate builds the trade's snapshot, decides and dispatches the close.
func (s *Supervisor) evaluate(ctx context.Context, t *model.Trade, shutdown bool) exit.Decision {
	state := t.Snapshot()
	log := s.log.WithComponent("supervisor").WithTrade(state.ID, state.Symbol)

	snap, err := s.snapshot(ctx, t, shutdown)
	if err != nil {
		log.WithError(err).Warn("skipping exit evaluation")
		return exit.Decision{}
	}
	d := s.opts.Evaluator.Evaluate(snap)
	if !d.Exit {
		return d
	}

	metrics.ObserveExitDecision(d.Layer.String(), string(d.Reason))
	s.record(ctx, state, audit.TypeExitDecision, map[string]any{
		"layer":     d.Layer.String(),
		"reason":    string(d.Reason),
		"emergency": d.Emergency,
		"detail":    d.Detail,
		"apy":       snap.CurrentAPY().String(),
		"age":       snap.Age().String(),
	})
	if d.Bypass != nil {
		s.record(ctx, state, audit.TypeShutdownBypass, d.Bypass.Fields())
	}
	log.WithFields(logger.Fields{"decision": d.String()}).Info("closing trade")

	if _, err := s.opts.Coordinator.Close(ctx, state.ID, string(d.Reason), shutdown); err != nil &&
		!errors.Is(err, execution.ErrTradeNotFound) && !errors.Is(err, execution.ErrTradeTerminal) {
		log.WithError(err).Error("close failed")
	}
	return d
}

func (s *Supervisor) record(ctx context.Context, state model.TradeState, typ audit.Type, fields map[string]any) {
	s.opts.Recorder.Record(ctx, audit.Event{
		Type:    typ,
		TradeID: state.ID,
		Symbol:  state.Symbol,
		Fields:  fields,
	})
}

// reconcile runs one funding cycle over every registered trade.
func (s *Supervisor) reconcile(ctx context.Context) error {
	trades := s.opts.Coordinator.Registry().List()
	if len(trades) == 0 {
		return nil
	}
	report, err := s.opts.Engine.RunCycle(ctx, trades)
	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"trades":           len(trades),
		"applied":          report.Applied,
		"duplicates":       report.Duplicates,
		"batch_symbols":    report.BatchSymbols,
		"fallback_symbols": report.FallbackSymbols,
		"errors":           len(report.Errors),
	}).Debug("funding cycle complete")
	return err
}

// Shutdown switches the coordinator into its shutdown path, closes every
// remaining trade with the shutdown flag and flushes persistence within
// the flush window.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	log := s.log.WithComponent("supervisor")
	log.Warn("shutdown: closing all open trades")

	var errs []error
	if err := s.opts.Coordinator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator shutdown: %w", err))
	}

	reg := s.opts.Coordinator.Registry()
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(s.opts.Config.MaxConcurrentEvaluations)
	for _, t := range reg.InStatus(model.StateComplete) {
		t := t
		g.Go(func() error {
			s.evaluate(gctx, t, true)
			return nil
		})
	}
	// a close that failed midway is still CLOSING
	for _, t := range reg.InStatus(model.StateClosing) {
		t := t
		g.Go(func() error {
			if _, err := s.opts.Coordinator.Close(gctx, t.ID, string(exit.ReasonShutdown), true); err != nil {
				log.WithError(err).WithTrade(t.ID, t.Symbol).Error("shutdown close failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	if left := reg.InStatus(model.StateFailed); len(left) > 0 {
		log.WithFields(logger.Fields{"trades": len(left)}).Error("trades left for reconciliation")
	}

	if s.opts.Store != nil {
		deadline := s.now().Add(s.opts.FlushWindow)
		if err := s.opts.Store.Flush(deadline); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
	}
	return errors.Join(errs...)
}
