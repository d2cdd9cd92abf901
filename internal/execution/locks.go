package execution

import (
	"context"
	"fmt"
	"sync"
)

// SymbolLocks serialises opens and closes per symbol.
type SymbolLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewSymbolLocks() *SymbolLocks {
	return &SymbolLocks{locks: make(map[string]chan struct{})}
}

func (l *SymbolLocks) slot(symbol string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[symbol] = ch
	}
	return ch
}

// Lock waits for the symbol until ctx ends. The returned func releases it
// and is safe to call more than once.
func (l *SymbolLocks) Lock(ctx context.Context, symbol string) (func(), error) {
	ch := l.slot(symbol)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lock %s: %w", symbol, ctx.Err())
	}
}

// TryLock takes the symbol only if it is free.
func (l *SymbolLocks) TryLock(symbol string) (func(), bool) {
	ch := l.slot(symbol)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, true
	default:
		return nil, false
	}
}
