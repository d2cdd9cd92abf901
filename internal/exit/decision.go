// Package exit decides when an open trade should be closed. Rules are grouped
// in layers and evaluated in a fixed order; the first rule that fires is the
// decision.
package exit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/model"
)

// Layer orders the rule groups. Emergency rules ignore the hold and funding
// gates; economic and optional rules respect them.
type Layer int

const (
	LayerNone Layer = iota
	LayerEmergency
	LayerShutdown
	LayerEconomic
	LayerOptional
)

func (l Layer) String() string {
	switch l {
	case LayerEmergency:
		return "emergency"
	case LayerShutdown:
		return "shutdown"
	case LayerEconomic:
		return "economic"
	case LayerOptional:
		return "optional"
	}
	return "none"
}

type Reason string

const (
	ReasonBrokenHedge       Reason = "broken_hedge"
	ReasonLiquidation       Reason = "liquidation_proximity"
	ReasonVolatilityPanic   Reason = "volatility_panic"
	ReasonDeltaBound        Reason = "delta_bound"
	ReasonCatastrophicFlip  Reason = "catastrophic_funding_flip"
	ReasonShutdown          Reason = "shutdown"
	ReasonMaxHold           Reason = "max_hold"
	ReasonFundingFlip       Reason = "funding_flip"
	ReasonNetEV             Reason = "net_ev"
	ReasonYieldVsCost       Reason = "yield_vs_cost"
	ReasonOpportunityCost   Reason = "opportunity_cost"
	ReasonTakeProfit        Reason = "take_profit"
	ReasonFundingVelocity   Reason = "funding_velocity"
	ReasonFundingZScore     Reason = "funding_z_score"
	ReasonFarmTimeBox       Reason = "farm_time_box"
	ReasonManual            Reason = "manual"
	ReasonMakerNeverFilled  Reason = "maker_never_filled"
	ReasonRollbackCompleted Reason = "rollback_completed"
)

// Snapshot is everything the evaluator looks at. It is built by the caller
// from live venue reads and accounting state; Evaluate never does I/O.
type Snapshot struct {
	TradeID  string
	Symbol   string
	Now      time.Time
	OpenedAt time.Time
	Notional decimal.Decimal

	// FundingCollected is the net funding received so far.
	FundingCollected decimal.Decimal

	MakerOpen bool
	HedgeOpen bool
	// Liquidation distances as a fraction of mark; -1 when unknown.
	MakerLiqDistance decimal.Decimal
	HedgeLiqDistance decimal.Decimal
	DeltaDrift       decimal.Decimal
	Regime           model.Regime

	// NetHourlyRate is the funding earned per hour per unit notional;
	// negative when the position pays.
	NetHourlyRate decimal.Decimal
	// APYHistory holds hourly net APY samples, oldest first, ending with the
	// current sample.
	APYHistory []decimal.Decimal
	EntryAPY   decimal.Decimal
	// FlipSince is when the net rate turned negative; zero while it is not.
	FlipSince time.Time

	// UnrealizedPnL values the open legs at executable prices.
	UnrealizedPnL decimal.Decimal
	ExitCost      decimal.Decimal
	BestAltAPY    decimal.Decimal

	Shutdown bool
}

// Age is the time since the trade opened.
func (s Snapshot) Age() time.Duration {
	if s.OpenedAt.IsZero() {
		return 0
	}
	return s.Now.Sub(s.OpenedAt)
}

// CurrentAPY annualises the current net hourly rate.
func (s Snapshot) CurrentAPY() decimal.Decimal {
	return model.HourlyToAPY(s.NetHourlyRate)
}

// BypassEvent records the gates a forced exit overrode.
type BypassEvent struct {
	Age              time.Duration   `json:"age"`
	MinHold          time.Duration   `json:"min_hold"`
	FundingCollected decimal.Decimal `json:"funding_collected"`
	FundingTarget    decimal.Decimal `json:"funding_target"`
}

// Fields flattens the event for audit records.
func (b BypassEvent) Fields() map[string]any {
	return map[string]any{
		"age":               b.Age.String(),
		"min_hold":          b.MinHold.String(),
		"funding_collected": b.FundingCollected.String(),
		"funding_target":    b.FundingTarget.String(),
	}
}

// Decision is the evaluator's verdict. The zero value means hold.
type Decision struct {
	Exit      bool
	Layer     Layer
	Reason    Reason
	Emergency bool
	Detail    string
	Bypass    *BypassEvent
}

func (d Decision) String() string {
	if !d.Exit {
		return "hold"
	}
	return fmt.Sprintf("%s/%s: %s", d.Layer, d.Reason, d.Detail)
}

func exitNow(layer Layer, reason Reason, format string, args ...any) Decision {
	return Decision{
		Exit:      true,
		Layer:     layer,
		Reason:    reason,
		Emergency: layer == LayerEmergency,
		Detail:    fmt.Sprintf(format, args...),
	}
}
