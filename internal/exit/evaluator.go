package exit

import (
	"time"

	"github.com/shopspring/decimal"

	"fundarb/config"
	"fundarb/internal/model"
)

var hoursPerYear = decimal.NewFromInt(24 * 365)

type rule struct {
	reason Reason
	check  func(e *Evaluator, s Snapshot) (Decision, bool)
}

// Evaluator applies the exit rules in order. It holds no state besides its
// configuration, so one instance serves all trades concurrently.
type Evaluator struct {
	cfg       config.ExitConfig
	emergency []rule
	economic  []rule
	optional  []rule
}

func New(cfg config.ExitConfig) *Evaluator {
	e := &Evaluator{
		cfg: cfg,
		emergency: []rule{
			{ReasonBrokenHedge, (*Evaluator).brokenHedge},
			{ReasonLiquidation, (*Evaluator).liquidation},
			{ReasonVolatilityPanic, (*Evaluator).volatilityPanic},
			{ReasonDeltaBound, (*Evaluator).deltaBound},
			{ReasonCatastrophicFlip, (*Evaluator).catastrophicFlip},
		},
		economic: []rule{
			{ReasonMaxHold, (*Evaluator).maxHold},
			{ReasonFundingFlip, (*Evaluator).fundingFlip},
			{ReasonNetEV, (*Evaluator).netEV},
			{ReasonYieldVsCost, (*Evaluator).yieldVsCost},
			{ReasonOpportunityCost, (*Evaluator).opportunityCost},
		},
		optional: []rule{
			{ReasonTakeProfit, (*Evaluator).takeProfit},
			{ReasonFundingVelocity, (*Evaluator).velocity},
			{ReasonFundingZScore, (*Evaluator).zScore},
		},
	}
	if cfg.FarmMode {
		e.optional = append(e.optional, rule{ReasonFarmTimeBox, (*Evaluator).farmTimeBox})
	}
	return e
}

// Evaluate returns the first decision that fires, or the zero Decision.
func (e *Evaluator) Evaluate(s Snapshot) Decision {
	if d, ok := e.first(e.emergency, s); ok {
		return d
	}

	bypass, gated := e.gates(s)
	if s.Shutdown {
		d := exitNow(LayerShutdown, ReasonShutdown, "shutdown after %s", s.Age().Round(time.Second))
		if gated {
			d.Bypass = &bypass
		}
		return d
	}
	if gated {
		return Decision{}
	}

	if d, ok := e.first(e.economic, s); ok {
		return d
	}
	if d, ok := e.first(e.optional, s); ok {
		return d
	}
	return Decision{}
}

func (e *Evaluator) first(rules []rule, s Snapshot) (Decision, bool) {
	for _, r := range rules {
		if d, ok := r.check(e, s); ok {
			d.Reason = r.reason
			return d, true
		}
	}
	return Decision{}, false
}

// gates reports whether the minimum hold or the minimum funding gate still
// holds the trade. The funding gate lapses after MinFundingWaiver.
func (e *Evaluator) gates(s Snapshot) (BypassEvent, bool) {
	age := s.Age()
	ev := BypassEvent{
		Age:              age,
		MinHold:          e.cfg.MinHold,
		FundingCollected: s.FundingCollected,
		FundingTarget:    e.cfg.MinFundingUSD,
	}
	if age < e.cfg.MinHold {
		return ev, true
	}
	waived := e.cfg.MinFundingWaiver > 0 && age >= e.cfg.MinFundingWaiver
	if !waived && s.FundingCollected.LessThan(e.cfg.MinFundingUSD) {
		return ev, true
	}
	return ev, false
}

func (e *Evaluator) brokenHedge(s Snapshot) (Decision, bool) {
	if s.MakerOpen && s.HedgeOpen {
		return Decision{}, false
	}
	return exitNow(LayerEmergency, ReasonBrokenHedge, "maker open=%t hedge open=%t", s.MakerOpen, s.HedgeOpen), true
}

func (e *Evaluator) liquidation(s Snapshot) (Decision, bool) {
	if !e.cfg.LiquidationMinDist.IsPositive() {
		return Decision{}, false
	}
	for _, leg := range []struct {
		role model.LegRole
		dist decimal.Decimal
	}{{model.RoleMaker, s.MakerLiqDistance}, {model.RoleHedge, s.HedgeLiqDistance}} {
		// negative is the unknown sentinel
		if leg.dist.IsNegative() {
			continue
		}
		if leg.dist.LessThan(e.cfg.LiquidationMinDist) {
			return exitNow(LayerEmergency, ReasonLiquidation, "%s leg %s from liquidation, minimum %s",
				leg.role, leg.dist.StringFixed(4), e.cfg.LiquidationMinDist.StringFixed(4)), true
		}
	}
	return Decision{}, false
}

func (e *Evaluator) volatilityPanic(s Snapshot) (Decision, bool) {
	if s.Regime != model.RegimeHardCap {
		return Decision{}, false
	}
	return exitNow(LayerEmergency, ReasonVolatilityPanic, "volatility regime %s", s.Regime), true
}

func (e *Evaluator) deltaBound(s Snapshot) (Decision, bool) {
	if !e.cfg.DeltaBoundMax.IsPositive() || !s.DeltaDrift.GreaterThan(e.cfg.DeltaBoundMax) {
		return Decision{}, false
	}
	return exitNow(LayerEmergency, ReasonDeltaBound, "leg notional drift %s above %s",
		s.DeltaDrift.StringFixed(4), e.cfg.DeltaBoundMax.StringFixed(4)), true
}

func (e *Evaluator) catastrophicFlip(s Snapshot) (Decision, bool) {
	apy := s.CurrentAPY()
	if e.cfg.CatastrophicAPY.IsZero() || !apy.LessThan(e.cfg.CatastrophicAPY) {
		return Decision{}, false
	}
	return exitNow(LayerEmergency, ReasonCatastrophicFlip, "net apy %s below %s (entry %s)",
		apy.StringFixed(4), e.cfg.CatastrophicAPY.StringFixed(4), s.EntryAPY.StringFixed(4)), true
}

func (e *Evaluator) maxHold(s Snapshot) (Decision, bool) {
	if e.cfg.MaxHold <= 0 || s.Age() < e.cfg.MaxHold {
		return Decision{}, false
	}
	return exitNow(LayerEconomic, ReasonMaxHold, "held %s, maximum %s", s.Age().Round(time.Minute), e.cfg.MaxHold), true
}

func (e *Evaluator) fundingFlip(s Snapshot) (Decision, bool) {
	if s.FlipSince.IsZero() || !s.NetHourlyRate.IsNegative() {
		return Decision{}, false
	}
	flipped := s.Now.Sub(s.FlipSince)
	if flipped < e.cfg.FundingFlipSustain {
		return Decision{}, false
	}
	return exitNow(LayerEconomic, ReasonFundingFlip, "net rate negative for %s", flipped.Round(time.Minute)), true
}

// netEV projects funding over the horizon. A paying position exits once the
// projected loss reaches the exit cost multiple; an earning one exits when
// the projected gain no longer covers it.
func (e *Evaluator) netEV(s Snapshot) (Decision, bool) {
	if e.cfg.NetEVHorizonHours <= 0 || !s.Notional.IsPositive() {
		return Decision{}, false
	}
	multiple := e.cfg.NetEVExitCostMultiple
	if !multiple.IsPositive() {
		multiple = decimal.NewFromInt(1)
	}
	horizon := decimal.NewFromInt(int64(e.cfg.NetEVHorizonHours))
	projected := s.NetHourlyRate.Mul(s.Notional).Mul(horizon)
	threshold := s.ExitCost.Mul(multiple)

	if projected.IsNegative() {
		if projected.Abs().GreaterThanOrEqual(threshold) {
			return exitNow(LayerEconomic, ReasonNetEV, "projected %dh funding loss %s >= exit cost x%s %s",
				e.cfg.NetEVHorizonHours, projected.Abs().StringFixed(2), multiple, threshold.StringFixed(2)), true
		}
		return Decision{}, false
	}
	if projected.LessThan(threshold) {
		return exitNow(LayerEconomic, ReasonNetEV, "projected %dh funding %s < exit cost x%s %s",
			e.cfg.NetEVHorizonHours, projected.StringFixed(2), multiple, threshold.StringFixed(2)), true
	}
	return Decision{}, false
}

func (e *Evaluator) yieldVsCost(s Snapshot) (Decision, bool) {
	if e.cfg.YieldCostMaxHours <= 0 || !s.ExitCost.IsPositive() || !s.Notional.IsPositive() {
		return Decision{}, false
	}
	hourly := s.CurrentAPY().Div(hoursPerYear).Mul(s.Notional)
	if !hourly.IsPositive() {
		return exitNow(LayerEconomic, ReasonYieldVsCost, "yield non-positive at %s apy", s.CurrentAPY().StringFixed(4)), true
	}
	hours := s.ExitCost.Div(hourly)
	if hours.GreaterThan(decimal.NewFromInt(int64(e.cfg.YieldCostMaxHours))) {
		return exitNow(LayerEconomic, ReasonYieldVsCost, "%sh to cover exit cost %s, limit %dh",
			hours.StringFixed(1), s.ExitCost.StringFixed(2), e.cfg.YieldCostMaxHours), true
	}
	return Decision{}, false
}

// opportunityCost rotates out when a better venue pair pays more than the
// configured apy margin. With a cost estimate the extra funding over the
// net-ev horizon must also cover a close and a reopen.
func (e *Evaluator) opportunityCost(s Snapshot) (Decision, bool) {
	if !e.cfg.OpportunityAPYDelta.IsPositive() || !s.BestAltAPY.IsPositive() {
		return Decision{}, false
	}
	current := s.CurrentAPY()
	if !s.BestAltAPY.GreaterThan(current.Add(e.cfg.OpportunityAPYDelta)) {
		return Decision{}, false
	}
	if s.ExitCost.IsPositive() && s.Notional.IsPositive() && e.cfg.NetEVHorizonHours > 0 {
		horizon := decimal.NewFromInt(int64(e.cfg.NetEVHorizonHours))
		gain := s.Notional.Mul(s.BestAltAPY.Sub(current)).Mul(horizon).Div(hoursPerYear)
		roundtrip := s.ExitCost.Mul(decimal.NewFromInt(2))
		if gain.LessThan(roundtrip) {
			return Decision{}, false
		}
	}
	return exitNow(LayerEconomic, ReasonOpportunityCost, "alternative apy %s vs current %s",
		s.BestAltAPY.StringFixed(4), current.StringFixed(4)), true
}

func (e *Evaluator) takeProfit(s Snapshot) (Decision, bool) {
	if !e.cfg.TakeProfitUSD.IsPositive() {
		return Decision{}, false
	}
	net := s.UnrealizedPnL.Add(s.FundingCollected).Sub(s.ExitCost)
	if net.LessThan(e.cfg.TakeProfitUSD) {
		return Decision{}, false
	}
	return exitNow(LayerOptional, ReasonTakeProfit, "net after exit cost %s >= target %s",
		net.StringFixed(2), e.cfg.TakeProfitUSD.StringFixed(2)), true
}

func (e *Evaluator) velocity(s Snapshot) (Decision, bool) {
	window := tail(s.APYHistory, e.cfg.VelocityLookback)
	if len(window) < 3 {
		return Decision{}, false
	}
	slope := Slope(window)
	if e.cfg.VelocityThreshold.IsNegative() && slope.LessThanOrEqual(e.cfg.VelocityThreshold) {
		return exitNow(LayerOptional, ReasonFundingVelocity, "apy falling %s per hour", slope.StringFixed(6)), true
	}
	accel := Acceleration(window)
	if len(window) >= 6 && e.cfg.AccelerationThreshold.IsNegative() &&
		accel.LessThanOrEqual(e.cfg.AccelerationThreshold) && slope.IsNegative() {
		return exitNow(LayerOptional, ReasonFundingVelocity, "apy decline accelerating %s (slope %s)",
			accel.StringFixed(6), slope.StringFixed(6)), true
	}
	return Decision{}, false
}

func (e *Evaluator) zScore(s Snapshot) (Decision, bool) {
	if e.cfg.ZScoreMinSamples <= 0 || len(s.APYHistory) < e.cfg.ZScoreMinSamples {
		return Decision{}, false
	}
	z, ok := ZScore(s.CurrentAPY(), s.APYHistory)
	if !ok {
		return Decision{}, false
	}
	if !e.cfg.ZScoreEmergency.IsZero() && z.LessThanOrEqual(e.cfg.ZScoreEmergency) {
		d := exitNow(LayerOptional, ReasonFundingZScore, "z-score %s <= %s", z.StringFixed(2), e.cfg.ZScoreEmergency)
		d.Emergency = true
		return d, true
	}
	if !e.cfg.ZScoreThreshold.IsZero() && z.LessThanOrEqual(e.cfg.ZScoreThreshold) {
		return exitNow(LayerOptional, ReasonFundingZScore, "z-score %s <= %s", z.StringFixed(2), e.cfg.ZScoreThreshold), true
	}
	return Decision{}, false
}

// farmTimeBox closes after a fixed duration whatever the economics.
func (e *Evaluator) farmTimeBox(s Snapshot) (Decision, bool) {
	if e.cfg.FarmDuration <= 0 || s.Age() < e.cfg.FarmDuration {
		return Decision{}, false
	}
	return exitNow(LayerOptional, ReasonFarmTimeBox, "farm window %s elapsed", e.cfg.FarmDuration), true
}

func tail(samples []decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 || len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}
