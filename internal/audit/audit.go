// Package audit records the events an operator must be able to reconstruct:
// state transitions, rollbacks, guard bypasses, readback corrections and
// every terminal failure.
package audit

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"fundarb/internal/metrics"
	"fundarb/logger"
)

type Type string

const (
	TypeTransition             Type = "state_transition"
	TypeOrderPlaced            Type = "order_placed"
	TypeGhostFill              Type = "ghost_fill"
	TypeRollbackAttempt        Type = "rollback_attempt"
	TypeReconciliationRequired Type = "reconciliation_required"
	TypeReadbackCorrection     Type = "readback_correction"
	TypeShutdownBypass         Type = "shutdown_bypass"
	TypeExitDecision           Type = "exit_decision"
	TypeFundingApplied         Type = "funding_applied"
	TypeUnhedgedBreach         Type = "unhedged_window_breach"
	TypeTradeFailed            Type = "trade_failed"
)

// severe events are logged at warn level.
var severe = map[Type]bool{
	TypeReconciliationRequired: true,
	TypeReadbackCorrection:     true,
	TypeShutdownBypass:         true,
	TypeUnhedgedBreach:         true,
	TypeTradeFailed:            true,
}

type Event struct {
	ID      string         `json:"id"`
	Type    Type           `json:"type"`
	TradeID string         `json:"trade_id,omitempty"`
	Symbol  string         `json:"symbol,omitempty"`
	At      time.Time      `json:"at"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Publisher is an external event sink. Publish must not block.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Recorder fans events out to the log, metrics, an in-memory ring and the
// configured publishers. A nil *Recorder drops events.
type Recorder struct {
	mu         sync.RWMutex
	ring       []Event
	next       int
	full       bool
	publishers []Publisher
	now        func() time.Time
	log        *logger.Log
}

func NewRecorder(capacity int, publishers ...Publisher) *Recorder {
	if capacity <= 0 {
		capacity = 500
	}
	return &Recorder{
		ring:       make([]Event, capacity),
		publishers: publishers,
		now:        time.Now,
		log:        logger.GetLogger(),
	}
}

// AddPublisher attaches another sink.
func (r *Recorder) AddPublisher(p Publisher) {
	if r == nil || p == nil {
		return
	}
	r.mu.Lock()
	r.publishers = append(r.publishers, p)
	r.mu.Unlock()
}

// Record stamps ev with an id and time when missing and delivers it. It
// returns the stored event.
func (r *Recorder) Record(ctx context.Context, ev Event) Event {
	if r == nil {
		return ev
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	ev.Fields = maps.Clone(ev.Fields)

	r.mu.Lock()
	r.ring[r.next] = ev
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	publishers := r.publishers
	r.mu.Unlock()

	r.logEvent(ev)
	metrics.ObserveAuditEvent(string(ev.Type))
	metrics.EmitMetric(r.log, "audit", "audit_event", 1, "count", logger.Fields{
		"type":   string(ev.Type),
		"symbol": ev.Symbol,
	})

	for _, p := range publishers {
		if err := p.Publish(ctx, ev); err != nil {
			metrics.EmitDropMetric(r.log, metrics.DropMetricAuditPublish, "", ev.Symbol, string(ev.Type))
		}
	}
	return ev
}

func (r *Recorder) logEvent(ev Event) {
	fields := logger.Fields{"event_id": ev.ID, "event_type": string(ev.Type)}
	for k, v := range ev.Fields {
		fields[k] = v
	}
	entry := r.log.WithComponent("audit").WithTrade(ev.TradeID, ev.Symbol).WithFields(fields)
	msg := ev.Message
	if msg == "" {
		msg = string(ev.Type)
	}
	if severe[ev.Type] {
		entry.Warn(msg)
		return
	}
	entry.Info(msg)
}

// Recent returns up to n events, newest first. n <= 0 returns all retained.
func (r *Recorder) Recent(n int) []Event {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// ForTrade returns the retained events of one trade, oldest first.
func (r *Recorder) ForTrade(tradeID string) []Event {
	all := r.Recent(0)
	var out []Event
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].TradeID == tradeID {
			out = append(out, all[i])
		}
	}
	return out
}

// OfType returns the retained events of one type, oldest first.
func (r *Recorder) OfType(t Type) []Event {
	all := r.Recent(0)
	var out []Event
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Type == t {
			out = append(out, all[i])
		}
	}
	return out
}
