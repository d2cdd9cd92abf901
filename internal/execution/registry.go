package execution

import (
	"sort"
	"sync"

	"fundarb/internal/metrics"
	"fundarb/internal/model"
)

// Registry holds the live trades by id. A trade enters when it is created or
// recovered and leaves once it is archived.
type Registry struct {
	mu     sync.RWMutex
	trades map[string]*model.Trade
}

func NewRegistry() *Registry {
	return &Registry{trades: make(map[string]*model.Trade)}
}

func (r *Registry) Add(t *model.Trade) {
	r.mu.Lock()
	r.trades[t.ID] = t
	n := len(r.trades)
	r.mu.Unlock()
	metrics.SetOpenTrades(n)
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.trades, id)
	n := len(r.trades)
	r.mu.Unlock()
	metrics.SetOpenTrades(n)
}

func (r *Registry) Get(id string) (*model.Trade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trades[id]
	return t, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trades)
}

// List returns the trades ordered by creation time.
func (r *Registry) List() []*model.Trade {
	r.mu.RLock()
	out := make([]*model.Trade, 0, len(r.trades))
	for _, t := range r.trades {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sortTrades(out)
	return out
}

// InStatus lists the trades currently in one of the given states.
func (r *Registry) InStatus(states ...model.ExecState) []*model.Trade {
	var out []*model.Trade
	for _, t := range r.List() {
		st := t.CurrentStatus()
		for _, want := range states {
			if st == want {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// HoldsSymbol reports whether a registered trade may still hold exposure in
// symbol: anything not yet flat, including FAILED trades awaiting the
// operator.
func (r *Registry) HoldsSymbol(symbol string) bool {
	for _, t := range r.List() {
		s := t.Snapshot()
		if s.Symbol != symbol {
			continue
		}
		if s.Status != model.StateClosed && s.Status != model.StateRollbackComplete {
			return true
		}
	}
	return false
}

func sortTrades(trades []*model.Trade) {
	created := make(map[*model.Trade]model.TradeState, len(trades))
	for _, t := range trades {
		created[t] = t.Snapshot()
	}
	sort.SliceStable(trades, func(i, j int) bool {
		a, b := created[trades[i]], created[trades[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
