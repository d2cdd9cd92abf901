package gate

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CanonicalKey builds the dedup key of a read call: the endpoint plus its
// parameters in sorted order, so argument order never splits identical calls.
func CanonicalKey(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

type cached struct {
	value   any
	expires time.Time
}

// dedup collapses concurrent identical calls and remembers successful results
// for ttl.
type dedup struct {
	group singleflight.Group
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	results map[string]cached
}

func newDedup(ttl time.Duration, now func() time.Time) *dedup {
	return &dedup{ttl: ttl, now: now, results: make(map[string]cached)}
}

func (d *dedup) lookup(key string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.results[key]
	if !ok {
		return nil, false
	}
	if !d.now().Before(c.expires) {
		delete(d.results, key)
		return nil, false
	}
	return c.value, true
}

func (d *dedup) store(key string, v any) {
	if d.ttl <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[key] = cached{value: v, expires: d.now().Add(d.ttl)}
	// opportunistic sweep keeps the map bounded by the live key set
	if len(d.results) > 1024 {
		now := d.now()
		for k, c := range d.results {
			if !now.Before(c.expires) {
				delete(d.results, k)
			}
		}
	}
}

// do runs fn once per key among concurrent callers. cache controls whether a
// fresh TTL result may be served and stored.
func (d *dedup) do(ctx context.Context, key string, cache bool, fn func() (any, error)) (any, error, bool) {
	if cache {
		if v, ok := d.lookup(key); ok {
			return v, nil, true
		}
	}
	ch := d.group.DoChan(key, func() (any, error) {
		v, err := fn()
		if err == nil && cache {
			d.store(key, v)
		}
		return v, err
	})
	select {
	case res := <-ch:
		return res.Val, res.Err, res.Shared
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}

type noCacheKey struct{}

// WithoutCache marks ctx so reads bypass the TTL result cache. Concurrent
// identical calls are still collapsed.
func WithoutCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, noCacheKey{}, true)
}

func cacheAllowed(ctx context.Context) bool {
	v, _ := ctx.Value(noCacheKey{}).(bool)
	return !v
}
