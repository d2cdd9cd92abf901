package gate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/config"
	"fundarb/internal/apperr"
	"fundarb/internal/model"
	"fundarb/internal/venue"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func testGate(clock *fakeClock, limit config.RateLimitConfig) *Gate {
	return New(Options{
		Venue:        "alpha",
		DefaultLimit: limit,
		DedupTTL:     5 * time.Second,
		PenaltyBase:  60 * time.Second,
		PenaltyCap:   600 * time.Second,
		Retry:        config.RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2},
		Now:          clock.Now,
		Sleep:        clock.Sleep,
	})
}

func deadlineCtx(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestAcquireRespectsBurstQuota(t *testing.T) {
	clock := newFakeClock()
	g := testGate(clock, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2, MaxInFlight: 4})

	for i := 0; i < 2; i++ {
		p, err := g.Acquire(context.Background(), ClassQuery)
		require.NoError(t, err)
		p.Release(nil)
	}

	_, err := g.Acquire(deadlineCtx(t, 100*time.Millisecond), ClassQuery)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrRateLimited))
	assert.InDelta(t, time.Second.Seconds(), apperr.RetryAfter(err).Seconds(), 0.01)

	// without a deadline the caller waits for the token
	p, err := g.Acquire(context.Background(), ClassQuery)
	require.NoError(t, err)
	p.Release(nil)
	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 1)
	assert.InDelta(t, time.Second.Seconds(), sleeps[0].Seconds(), 0.01)
}

func TestClassesHaveIndependentQuotas(t *testing.T) {
	clock := newFakeClock()
	g := New(Options{
		Venue:        "alpha",
		DefaultLimit: config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1},
		Limits:       map[Class]config.RateLimitConfig{ClassOrder: {RequestsPerSecond: 1, BurstSize: 1}},
		Now:          clock.Now,
		Sleep:        clock.Sleep,
	})
	p, err := g.Acquire(context.Background(), ClassOrder)
	require.NoError(t, err)
	p.Release(nil)
	p, err = g.Acquire(deadlineCtx(t, 10*time.Millisecond), ClassMarket)
	require.NoError(t, err)
	p.Release(nil)
}

func TestPenaltyBlocksCallsUntilItExpires(t *testing.T) {
	clock := newFakeClock()
	g := testGate(clock, config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100, MaxInFlight: 4})

	calls := 0
	limited := &venue.StatusError{Venue: "alpha", StatusCode: http.StatusTooManyRequests, Message: "Too many requests"}
	err := g.Do(context.Background(), ClassMarket, "get_mid", func(context.Context) error {
		calls++
		return limited
	})
	require.True(t, errors.Is(err, apperr.ErrRateLimited))
	assert.Equal(t, 60*time.Second, g.PenaltyRemaining(ClassMarket))

	err = g.Do(deadlineCtx(t, 5*time.Second), ClassMarket, "get_mid", func(context.Context) error {
		calls++
		return nil
	})
	require.True(t, errors.Is(err, apperr.ErrRateLimited))
	assert.Equal(t, 60*time.Second, apperr.RetryAfter(err))
	assert.Equal(t, 1, calls, "a penalised call must not reach the venue")

	err = g.Do(context.Background(), ClassMarket, "get_mid", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{60 * time.Second}, clock.Sleeps())
}

func TestPenaltyStaysWithinItsClass(t *testing.T) {
	clock := newFakeClock()
	g := testGate(clock, config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100, MaxInFlight: 4})

	limited := &venue.StatusError{Venue: "alpha", StatusCode: http.StatusTooManyRequests, Message: "Too many requests"}
	err := g.Do(context.Background(), ClassFunding, "get_funding_payments", func(context.Context) error {
		return limited
	})
	require.True(t, errors.Is(err, apperr.ErrRateLimited))
	assert.Equal(t, 60*time.Second, g.PenaltyRemaining(ClassFunding))
	assert.Zero(t, g.PenaltyRemaining(ClassOrder))

	p, err := g.Acquire(deadlineCtx(t, 2*time.Second), ClassOrder)
	require.NoError(t, err)
	p.Release(nil)

	_, err = g.Acquire(deadlineCtx(t, 2*time.Second), ClassFunding)
	require.True(t, errors.Is(err, apperr.ErrRateLimited))
	assert.Empty(t, clock.Sleeps())
}

func TestPenaltyEscalatesAndCaps(t *testing.T) {
	now := time.Now()
	p := newPenaltyBox(60*time.Second, 600*time.Second)

	want := []time.Duration{60, 120, 240, 480, 600, 600}
	for i, w := range want {
		got := p.apply(now.Add(time.Duration(i)*time.Second), 0)
		assert.Equal(t, w*time.Second, got, "strike %d", i+1)
	}

	// a later response after expiry starts from the base again
	later := now.Add(time.Hour)
	assert.Equal(t, 60*time.Second, p.apply(later, 0))
	// a larger Retry-After wins
	assert.Equal(t, 900*time.Second, p.apply(later.Add(time.Hour), 900*time.Second))
	_, _, strikes := p.snapshot()
	assert.Equal(t, 1, strikes)
}

func TestReleaseIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	g := testGate(clock, config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100, MaxInFlight: 1})

	p1, err := g.Acquire(context.Background(), ClassOrder)
	require.NoError(t, err)
	p1.Release(nil)
	p1.Release(nil)

	p2, err := g.Acquire(context.Background(), ClassOrder)
	require.NoError(t, err)
	_, err = g.Acquire(deadlineCtx(t, 20*time.Millisecond), ClassOrder)
	require.Error(t, err, "the single slot is held by p2")
	p2.Release(nil)

	var nilPermit *Permit
	nilPermit.Release(nil)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	clock := newFakeClock()
	g := testGate(clock, config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100, MaxInFlight: 4})

	calls := 0
	err := g.Do(context.Background(), ClassQuery, "get_position", func(context.Context) error {
		calls++
		if calls < 3 {
			return &venue.StatusError{Venue: "alpha", StatusCode: http.StatusBadGateway, Message: "bad gateway"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clock.Sleeps())

	calls = 0
	err = g.Do(context.Background(), ClassQuery, "get_position", func(context.Context) error {
		calls++
		return io.ErrUnexpectedEOF
	})
	assert.True(t, errors.Is(err, apperr.ErrTransientNetwork))
	assert.Equal(t, 3, calls)
}

func TestOrderTransientFailureIsAmbiguous(t *testing.T) {
	clock := newFakeClock()
	g := testGate(clock, config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100, MaxInFlight: 4})

	calls := 0
	err := g.Do(context.Background(), ClassOrder, "place_order", func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	assert.True(t, errors.Is(err, apperr.ErrAmbiguousFill))
	assert.Equal(t, 1, calls)
}

func TestCallCachesMarketReadsOnly(t *testing.T) {
	clock := newFakeClock()
	g := testGate(clock, config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100, MaxInFlight: 4})
	paper := venue.NewPaper(venue.PaperOptions{Name: "alpha", Now: clock.Now})
	paper.SetBook("ETH", decimal.RequireFromString("99"), decimal.RequireFromString("101"))
	v := Wrap(paper, g)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mid, err := v.GetMidPrice(ctx, "ETH")
			assert.NoError(t, err)
			assert.True(t, mid.Equal(decimal.NewFromInt(100)))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, paper.Calls(venue.OpMidPrice))

	_, err := v.GetMidPrice(WithoutCache(ctx), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 2, paper.Calls(venue.OpMidPrice))

	clock.Advance(6 * time.Second)
	_, err = v.GetMidPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3, paper.Calls(venue.OpMidPrice))

	for i := 0; i < 2; i++ {
		_, err := v.GetPosition(ctx, "ETH")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, paper.Calls(venue.OpPosition))
}

func TestGatedVenueNeverDedupsOrders(t *testing.T) {
	clock := newFakeClock()
	g := testGate(clock, config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100, MaxInFlight: 4})
	paper := venue.NewPaper(venue.PaperOptions{Name: "alpha", Now: clock.Now})
	paper.SetBook("ETH", decimal.RequireFromString("99"), decimal.RequireFromString("101"))
	v := Wrap(paper, g)

	req := model.OrderRequest{Symbol: "ETH", Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: decimal.NewFromInt(1)}
	a, err := v.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	b, err := v.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, a.OrderRef, b.OrderRef)
	assert.Equal(t, 2, paper.Calls(venue.OpPlaceOrder))

	paper.FailNext(venue.OpPlaceOrder, &venue.StatusError{Venue: "alpha", StatusCode: http.StatusBadRequest, Message: "min notional"})
	_, err = v.PlaceOrder(context.Background(), req)
	assert.True(t, errors.Is(err, apperr.ErrOrderRejected))
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "alpha", e.Venue)
}

func TestCanonicalKeyIgnoresParamOrder(t *testing.T) {
	a := CanonicalKey("fills", map[string]string{"symbol": "ETH", "ref": "1"})
	b := CanonicalKey("fills", map[string]string{"ref": "1", "symbol": "ETH"})
	assert.Equal(t, a, b)
	assert.Equal(t, "fills?ref=1&symbol=ETH", a)
	assert.Equal(t, "mid", CanonicalKey("mid", nil))
}
