package supervisor

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// sampleEvery spaces the stored apy samples; rates settle hourly.
const sampleEvery = time.Hour

type series struct {
	samples   []decimal.Decimal
	lastAt    time.Time
	flipSince time.Time
}

// rateHistory keeps a bounded hourly apy series per trade and when its net
// rate last turned negative.
type rateHistory struct {
	mu    sync.Mutex
	limit int
	byID  map[string]*series
}

func newRateHistory(limit int) *rateHistory {
	if limit < 2 {
		limit = 2
	}
	return &rateHistory{limit: limit, byID: make(map[string]*series)}
}

// observe stores apy when the last stored sample is an hour old and returns
// the series ending with apy, plus the start of the current negative run.
func (h *rateHistory) observe(id string, now time.Time, apy decimal.Decimal) ([]decimal.Decimal, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.byID[id]
	if !ok {
		s = &series{}
		h.byID[id] = s
	}

	if apy.IsNegative() {
		if s.flipSince.IsZero() {
			s.flipSince = now
		}
	} else {
		s.flipSince = time.Time{}
	}

	stored := s.lastAt.IsZero() || now.Sub(s.lastAt) >= sampleEvery
	if stored {
		s.samples = append(s.samples, apy)
		if len(s.samples) > h.limit {
			s.samples = s.samples[len(s.samples)-h.limit:]
		}
		s.lastAt = now
	}

	out := make([]decimal.Decimal, len(s.samples), len(s.samples)+1)
	copy(out, s.samples)
	if !stored {
		out = append(out, apy)
	}
	return out, s.flipSince
}

// prune drops the series of trades no longer tracked.
func (h *rateHistory) prune(keep map[string]bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.byID {
		if !keep[id] {
			delete(h.byID, id)
		}
	}
}

func (h *rateHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byID)
}
