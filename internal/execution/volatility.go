package execution

import (
	"context"
	"sync"

	"fundarb/config"
	"fundarb/internal/model"
)

// Volatility is the read-only volatility port.
type Volatility interface {
	CurrentRegime(ctx context.Context, symbol string) (model.Regime, error)
}

// StaticVolatility serves fixed regimes, NORMAL unless set otherwise. It
// backs dry runs and tests.
type StaticVolatility struct {
	mu      sync.RWMutex
	regimes map[string]model.Regime
}

func NewStaticVolatility() *StaticVolatility {
	return &StaticVolatility{regimes: make(map[string]model.Regime)}
}

func (v *StaticVolatility) Set(symbol string, r model.Regime) {
	v.mu.Lock()
	v.regimes[symbol] = r
	v.mu.Unlock()
}

func (v *StaticVolatility) CurrentRegime(_ context.Context, symbol string) (model.Regime, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if r, ok := v.regimes[symbol]; ok {
		return r, nil
	}
	return model.RegimeNormal, nil
}

// profileFor picks the execution profile of a regime. Calm markets get the
// shortest maker timeout and the tightest spread allowance.
func profileFor(p config.RegimeProfiles, r model.Regime) config.RegimeProfile {
	switch r {
	case model.RegimeLow:
		return p.Low
	case model.RegimeHigh:
		return p.High
	case model.RegimeHardCap:
		return p.HardCap
	}
	return p.Normal
}
