package ops

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"fundarb/internal/metrics"
)

// ring is a bounded, concurrency-safe buffer of the newest items.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

// snapshot returns up to n newest items, oldest first; n <= 0 returns all.
func (r *ring[T]) snapshot(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := r.items
	if n > 0 && len(items) > n {
		items = items[len(items)-n:]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}

// metricStore keeps the metrics emitted through metrics.EmitMetric.
type metricStore struct {
	*ring[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{newRing[metrics.Metric](limit)}
}

func (s *metricStore) handle(m metrics.Metric) { s.add(m) }

type logRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	TradeID   string         `json:"trade_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// logStore is a logrus hook keeping the newest log lines for /logs.
type logStore struct {
	*ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{ring: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		rec.Component = component
	}
	if id, ok := entry.Data["trade_id"].(string); ok {
		rec.TradeID = id
	}

	if len(entry.Data) > 0 {
		rec.Fields = make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" || k == "trade_id" {
				continue
			}
			switch val := v.(type) {
			case error:
				rec.Fields[k] = val.Error()
			case fmt.Stringer:
				rec.Fields[k] = val.String()
			default:
				rec.Fields[k] = val
			}
		}
	}

	s.add(rec)
	return nil
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
