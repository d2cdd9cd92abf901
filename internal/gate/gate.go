// Package gate is the only path from the execution core to a venue. It
// enforces per-class request quotas and in-flight caps, applies per-class
// rate-limit penalties, collapses duplicate reads, retries transient
// failures and classifies every error before it leaves.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"fundarb/config"
	"fundarb/internal/apperr"
	"fundarb/internal/metrics"
	ratemetrics "fundarb/internal/metrics/rate"
	"fundarb/logger"
)

// Class groups venue endpoints that share a quota.
type Class string

const (
	ClassOrder   Class = "order"
	ClassCancel  Class = "cancel"
	ClassQuery   Class = "query"
	ClassMarket  Class = "market"
	ClassFunding Class = "funding"
)

var allClasses = []Class{ClassOrder, ClassCancel, ClassQuery, ClassMarket, ClassFunding}

// dedupable reports whether identical calls of the class may share a result.
// Orders and cancels never do.
func (c Class) dedupable() bool {
	return c != ClassOrder && c != ClassCancel
}

// cacheable reports whether a successful result may be served from the TTL
// cache. Queries feed fill detection and are always live.
func (c Class) cacheable() bool {
	return c == ClassMarket || c == ClassFunding
}

type Options struct {
	Venue        string
	Limits       map[Class]config.RateLimitConfig
	DefaultLimit config.RateLimitConfig
	DedupTTL     time.Duration
	PenaltyBase  time.Duration
	PenaltyCap   time.Duration
	Retry        config.RetryConfig
	// Now and Sleep are replaced by tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Log   *logger.Log
}

// OptionsFromConfig builds gate options for one configured venue.
func OptionsFromConfig(gc config.GateConfig, vc config.VenueConfig) Options {
	limits := make(map[Class]config.RateLimitConfig, len(vc.RateLimits))
	for name, l := range vc.RateLimits {
		limits[Class(name)] = l
	}
	return Options{
		Venue:        vc.Name,
		Limits:       limits,
		DefaultLimit: gc.DefaultLimit,
		DedupTTL:     gc.DedupTTL,
		PenaltyBase:  gc.PenaltyBase,
		PenaltyCap:   gc.PenaltyCap,
		Retry:        gc.Retry,
	}
}

type classGate struct {
	limiter *rate.Limiter
	slots   *semaphore.Weighted
	penalty *penaltyBox
}

// Gate guards one venue.
type Gate struct {
	venue   string
	classes map[Class]*classGate
	dedup   *dedup
	retry   config.RetryConfig
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	log     *logger.Log
}

func New(opts Options) *Gate {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Log == nil {
		opts.Log = logger.GetLogger()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Retry.BackoffMultiplier <= 0 {
		opts.Retry.BackoffMultiplier = 2
	}

	g := &Gate{
		venue:   opts.Venue,
		classes: make(map[Class]*classGate, len(allClasses)),
		dedup:   newDedup(opts.DedupTTL, opts.Now),
		retry:   opts.Retry,
		now:     opts.Now,
		sleep:   opts.Sleep,
		log:     opts.Log,
	}
	for _, c := range allClasses {
		l, ok := opts.Limits[c]
		if !ok {
			l = opts.DefaultLimit
		}
		if l.BurstSize <= 0 {
			l.BurstSize = 1
		}
		if l.MaxInFlight <= 0 {
			l.MaxInFlight = 1
		}
		limit := rate.Limit(l.RequestsPerSecond)
		if l.RequestsPerSecond <= 0 {
			limit = rate.Inf
		}
		g.classes[c] = &classGate{
			limiter: rate.NewLimiter(limit, l.BurstSize),
			slots:   semaphore.NewWeighted(l.MaxInFlight),
			penalty: newPenaltyBox(opts.PenaltyBase, opts.PenaltyCap),
		}
	}
	return g
}

func (g *Gate) Venue() string { return g.venue }

// PenaltyRemaining reports how long calls of class are still held back.
func (g *Gate) PenaltyRemaining(class Class) time.Duration {
	cg, ok := g.classes[class]
	if !ok {
		return 0
	}
	return cg.penalty.remaining(g.now())
}

// Permit is one admitted call. Release must be called exactly once with the
// call's outcome; extra calls are ignored.
type Permit struct {
	gate     *Gate
	class    Class
	released atomic.Bool
}

// Release returns the in-flight slot. A rate-limited outcome puts the
// permit's class into penalty.
func (p *Permit) Release(err error) {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.gate.classes[p.class].slots.Release(1)

	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	metrics.ObserveGateRequest(p.gate.venue, string(p.class), outcome)

	if apperr.KindOf(err) == apperr.RateLimited {
		p.gate.enterPenalty(p.class, err)
	}
}

func (g *Gate) enterPenalty(class Class, err error) {
	d := g.classes[class].penalty.apply(g.now(), apperr.RetryAfter(err))
	metrics.ObserveGatePenalty(g.venue)
	if isBan(g.venue, err) {
		ratemetrics.ReportIPBan(g.log, g.venue, string(class), d)
		return
	}
	ratemetrics.ReportRateLimitExceeded(g.log, g.venue, string(class), d)
}

// Acquire waits for the class penalty to pass, for quota and for an
// in-flight slot. When ctx's deadline falls before the call could be
// admitted it fails at once with RateLimited carrying the wait.
func (g *Gate) Acquire(ctx context.Context, class Class) (*Permit, error) {
	cg, ok := g.classes[class]
	if !ok {
		return nil, fmt.Errorf("gate %s: unknown class %q", g.venue, class)
	}
	start := g.now()

	if wait := cg.penalty.remaining(start); wait > 0 {
		if !fits(ctx, start, wait) {
			return nil, g.limited(class, "penalty", wait)
		}
		if err := g.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	now := g.now()
	r := cg.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil, g.limited(class, "quota", 0)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		if !fits(ctx, now, delay) {
			r.CancelAt(now)
			return nil, g.limited(class, "quota", delay)
		}
		if err := g.sleep(ctx, delay); err != nil {
			r.CancelAt(g.now())
			return nil, err
		}
	}

	if err := cg.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.ObserveGateWait(g.venue, string(class), g.now().Sub(start).Seconds())
	return &Permit{gate: g, class: class}, nil
}

func (g *Gate) limited(class Class, reason string, wait time.Duration) error {
	e := apperr.Newf(apperr.RateLimited, "acquire_"+string(class), "%s exhausted", reason)
	e.Venue = g.venue
	e.RetryAfter = wait
	return e
}

// fits reports whether ctx allows waiting d from now.
func fits(ctx context.Context, now time.Time, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return !now.Add(d).After(deadline)
}

// Do runs fn through the gate. Transient failures are retried with
// exponential backoff; orders are never retried because a timed-out
// placement may have reached the book, so they surface as AmbiguousFill.
func (g *Gate) Do(ctx context.Context, class Class, op string, fn func(ctx context.Context) error) error {
	delay := g.retry.BaseDelay
	for attempt := 1; ; attempt++ {
		permit, err := g.Acquire(ctx, class)
		if err != nil {
			return err
		}
		callErr := Classify(g.venue, op, fn(ctx))
		permit.Release(callErr)
		if callErr == nil {
			return nil
		}

		if apperr.KindOf(callErr) != apperr.TransientNetwork {
			return callErr
		}
		if class == ClassOrder {
			return apperr.New(apperr.AmbiguousFill, op, callErr).WithVenue(g.venue, "")
		}
		if attempt >= g.retry.MaxAttempts || ctx.Err() != nil {
			return callErr
		}

		g.log.WithComponent("gate").WithFields(logger.Fields{
			"venue":   g.venue,
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(callErr).Debug("retrying transient venue error")
		if err := g.sleep(ctx, delay); err != nil {
			return callErr
		}
		delay *= time.Duration(g.retry.BackoffMultiplier)
		if g.retry.MaxDelay > 0 && delay > g.retry.MaxDelay {
			delay = g.retry.MaxDelay
		}
	}
}

// Call is Do for a result-returning read. A non-empty key collapses
// concurrent identical calls and, for cacheable classes, serves a recent
// successful result.
func Call[T any](ctx context.Context, g *Gate, class Class, op, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	run := func() (any, error) {
		var out T
		err := g.Do(ctx, class, op, func(ctx context.Context) error {
			v, err := fn(ctx)
			if err == nil {
				out = v
			}
			return err
		})
		return out, err
	}

	var zero T
	if key == "" || !class.dedupable() {
		v, err := run()
		if err != nil {
			return zero, err
		}
		return v.(T), nil
	}

	v, err, _ := g.dedup.do(ctx, key, class.cacheable() && cacheAllowed(ctx), run)
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
