package accounting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fundarb/internal/audit"
	"fundarb/internal/metrics"
	"fundarb/internal/model"
	"fundarb/internal/persistence"
	"fundarb/logger"
)

// Funding fetch paths.
const (
	PathBatch    = "batch"
	PathFallback = "fallback"
)

// FundingBatchCache holds the payments fetched in one accounting cycle, per
// venue and symbol. A new cache is built every cycle and dropped after it.
type FundingBatchCache struct {
	mu       sync.Mutex
	payments map[string]map[string][]model.FundingPayment
	paths    map[string]map[string]string
}

func newFundingBatchCache() *FundingBatchCache {
	return &FundingBatchCache{
		payments: make(map[string]map[string][]model.FundingPayment),
		paths:    make(map[string]map[string]string),
	}
}

// put stores the payments of one symbol. The first path to report a symbol
// owns it; a later path for the same symbol is ignored.
func (c *FundingBatchCache) put(venueName, symbol, path string, payments []model.FundingPayment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payments[venueName] == nil {
		c.payments[venueName] = make(map[string][]model.FundingPayment)
		c.paths[venueName] = make(map[string]string)
	}
	if _, ok := c.paths[venueName][symbol]; ok {
		return false
	}
	c.payments[venueName][symbol] = payments
	c.paths[venueName][symbol] = path
	return true
}

func (c *FundingBatchCache) get(venueName, symbol string) ([]model.FundingPayment, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	path, ok := c.paths[venueName][symbol]
	return c.payments[venueName][symbol], path, ok
}

// CycleReport summarises one reconciliation cycle.
type CycleReport struct {
	Venues          int
	BatchSymbols    int
	FallbackSymbols int
	Applied         int
	Duplicates      int
	Errors          []error
}

type venueRequest struct {
	symbols map[string]struct{}
	from    time.Time
}

// RunCycle fetches funding for every symbol the trades hold, one batch call
// per venue with per-symbol fallback for what the batch left out, and
// applies each payment to its trade exactly once.
func (e *Engine) RunCycle(ctx context.Context, trades []*model.Trade) (CycleReport, error) {
	var report CycleReport
	now := e.now()

	requests := make(map[string]*venueRequest)
	for _, t := range trades {
		s := t.Snapshot()
		start := s.OpenedAt
		if start.IsZero() {
			start = s.CreatedAt
		}
		if e.cfg.FundingLookback > 0 && start.Before(now.Add(-e.cfg.FundingLookback)) {
			start = now.Add(-e.cfg.FundingLookback)
		}
		for _, leg := range []*model.Leg{s.Maker, s.Hedge} {
			if leg == nil || !leg.Entry.Qty.IsPositive() {
				continue
			}
			req := requests[leg.Venue]
			if req == nil {
				req = &venueRequest{symbols: make(map[string]struct{}), from: start}
				requests[leg.Venue] = req
			}
			req.symbols[s.Symbol] = struct{}{}
			if start.Before(req.from) {
				req.from = start
			}
		}
	}
	if len(requests) == 0 {
		return report, nil
	}

	cache := newFundingBatchCache()
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	addErr := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for name, req := range requests {
		if _, ok := e.venues[name]; !ok {
			addErr(fmt.Errorf("funding: unknown venue %q", name))
			continue
		}
		report.Venues++
		g.Go(func() error {
			batch, fallback, err := e.fetchVenue(ctx, name, req, cache)
			mu.Lock()
			report.BatchSymbols += batch
			report.FallbackSymbols += fallback
			mu.Unlock()
			if err != nil {
				addErr(err)
			}
			return nil
		})
	}
	g.Wait()

	for _, t := range trades {
		applied, dup := e.applyCached(ctx, t, cache)
		report.Applied += applied
		report.Duplicates += dup
	}
	report.Errors = errs

	e.log.WithComponent("accounting").WithFields(logger.Fields{
		"venues":           report.Venues,
		"batch_symbols":    report.BatchSymbols,
		"fallback_symbols": report.FallbackSymbols,
		"applied":          report.Applied,
		"duplicates":       report.Duplicates,
		"errors":           len(errs),
	}).Info("funding cycle completed")
	return report, errors.Join(errs...)
}

// fetchVenue fills the cache for one venue: a single batch call when the
// venue supports it, then individual calls for the symbols it did not return.
func (e *Engine) fetchVenue(ctx context.Context, name string, req *venueRequest, cache *FundingBatchCache) (batch, fallback int, err error) {
	v := e.venues[name]
	symbols := make([]string, 0, len(req.symbols))
	for s := range req.symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	if v.Capabilities().BatchFunding {
		res, berr := v.FetchFundingPaymentsBatch(ctx, symbols, req.from)
		if berr != nil {
			e.log.WithComponent("accounting").WithVenue(name).WithError(berr).Warn("funding batch failed, falling back per symbol")
		}
		for sym, payments := range res {
			if _, wanted := req.symbols[sym]; wanted && cache.put(name, sym, PathBatch, payments) {
				batch++
			}
		}
	}

	var errs []error
	for _, sym := range symbols {
		if _, _, ok := cache.get(name, sym); ok {
			continue
		}
		payments, ferr := v.FetchFundingPayments(ctx, sym, req.from)
		if ferr != nil {
			errs = append(errs, fmt.Errorf("funding %s/%s: %w", name, sym, ferr))
			continue
		}
		if cache.put(name, sym, PathFallback, payments) {
			fallback++
		}
	}
	return batch, fallback, errors.Join(errs...)
}

// applyCached applies the cached payments that fall inside the trade's
// holding window.
func (e *Engine) applyCached(ctx context.Context, t *model.Trade, cache *FundingBatchCache) (applied, duplicates int) {
	s := t.Snapshot()
	start := s.OpenedAt
	if start.IsZero() {
		start = s.CreatedAt
	}
	for _, leg := range []*model.Leg{s.Maker, s.Hedge} {
		if leg == nil {
			continue
		}
		v, ok := e.venues[leg.Venue]
		if !ok {
			continue
		}
		payments, path, ok := cache.get(leg.Venue, s.Symbol)
		if !ok {
			continue
		}
		caps := v.Capabilities()
		for _, p := range payments {
			if p.Time.Before(start) || (!s.ClosedAt.IsZero() && p.Time.After(s.ClosedAt)) {
				continue
			}
			if p.Venue == "" {
				p.Venue = leg.Venue
			}
			p = caps.NormalizeFunding(p)
			if !t.ApplyFunding(p) {
				duplicates++
				continue
			}
			applied++
			e.afterFunding(ctx, s, p, path)
		}
	}
	return applied, duplicates
}

func (e *Engine) afterFunding(ctx context.Context, s model.TradeState, p model.FundingPayment, path string) {
	metrics.ObserveFundingPayment(p.Venue, path)
	if e.sink != nil {
		rec := persistence.FundingRecord{
			TradeID:   s.ID,
			PaymentID: p.ID,
			Venue:     p.Venue,
			Symbol:    p.Symbol,
			Amount:    p.Amount,
			PaidAt:    p.Time,
			Path:      path,
			AppliedAt: e.now(),
		}
		if err := e.sink.AppendFundingRecord(ctx, rec); err != nil {
			e.log.WithComponent("accounting").WithTrade(s.ID, s.Symbol).WithError(err).Error("failed to persist funding record")
		}
	}
	e.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeFundingApplied,
		TradeID: s.ID,
		Symbol:  s.Symbol,
		Fields: map[string]any{
			"venue":      p.Venue,
			"payment_id": p.ID,
			"amount":     p.Amount.String(),
			"path":       path,
		},
	})
}
