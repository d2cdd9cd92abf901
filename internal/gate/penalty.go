package gate

import (
	"sync"
	"time"
)

// penaltyBox tracks the rate-limit penalty of one endpoint class. The first limit
// response sets until = now + base; another one while still penalised
// doubles the duration up to the cap. A longer Retry-After always wins.
type penaltyBox struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	current time.Duration
	until   time.Time
	strikes int
}

func newPenaltyBox(base, max time.Duration) *penaltyBox {
	if base <= 0 {
		base = 60 * time.Second
	}
	if max < base {
		max = base
	}
	return &penaltyBox{base: base, max: max}
}

// apply records a limit response at now and returns the new penalty.
func (p *penaltyBox) apply(now time.Time, retryAfter time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Before(p.until) {
		p.current *= 2
		if p.current > p.max {
			p.current = p.max
		}
		p.strikes++
	} else {
		p.current = p.base
		p.strikes = 1
	}

	d := p.current
	if retryAfter > d {
		d = retryAfter
	}
	if until := now.Add(d); until.After(p.until) {
		p.until = until
	}
	return d
}

// remaining is how long calls must still wait at now.
func (p *penaltyBox) remaining(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Before(p.until) {
		return p.until.Sub(now)
	}
	return 0
}

func (p *penaltyBox) snapshot() (until time.Time, current time.Duration, strikes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.until, p.current, p.strikes
}
