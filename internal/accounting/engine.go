// Package accounting owns the money fields of a trade: fill VWAPs built from
// cumulative venue reports, funding reconciliation, executable-price
// valuation and the post-close readback.
package accounting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/config"
	"fundarb/internal/audit"
	"fundarb/internal/model"
	"fundarb/internal/persistence"
	"fundarb/internal/venue"
	"fundarb/logger"
)

// Phase selects the entry or exit fill book of a leg.
type Phase string

const (
	PhaseEntry Phase = "entry"
	PhaseExit  Phase = "exit"
)

// FundingSink receives every funding payment applied to a trade.
type FundingSink interface {
	AppendFundingRecord(ctx context.Context, rec persistence.FundingRecord) error
}

type Engine struct {
	cfg      config.AccountingConfig
	venues   map[string]venue.Venue
	sink     FundingSink
	recorder *audit.Recorder
	now      func() time.Time
	log      *logger.Log
}

// New builds the engine over the gated venues, keyed by venue name. sink and
// recorder may be nil.
func New(cfg config.AccountingConfig, venues []venue.Venue, sink FundingSink, recorder *audit.Recorder) *Engine {
	byName := make(map[string]venue.Venue, len(venues))
	for _, v := range venues {
		byName[v.Name()] = v
	}
	if !cfg.ReadbackToleranceBps.IsPositive() {
		cfg.ReadbackToleranceBps = decimal.NewFromInt(3)
	}
	if !cfg.ReadbackToleranceUSD.IsPositive() {
		cfg.ReadbackToleranceUSD = decimal.RequireFromString("0.30")
	}
	return &Engine{
		cfg:      cfg,
		venues:   byName,
		sink:     sink,
		recorder: recorder,
		now:      time.Now,
		log:      logger.GetLogger(),
	}
}

// ObserveFill applies a cumulative report to a leg and refreshes the
// realised pnl. It returns the genuinely new quantity and fee.
func (e *Engine) ObserveFill(t *model.Trade, role model.LegRole, phase Phase, r model.FillReport) (dQty, dFee decimal.Decimal) {
	t.Update(func(s *model.TradeState) {
		leg := s.Leg(role)
		if leg == nil {
			return
		}
		book := &leg.Entry
		if phase == PhaseExit {
			book = &leg.Exit
		}
		dQty, dFee = book.Observe(r)
		Realize(s)
	})
	if dQty.IsPositive() || dFee.IsPositive() {
		s := t.Snapshot()
		e.log.WithComponent("accounting").WithTrade(s.ID, s.Symbol).WithFields(logger.Fields{
			"role":      string(role),
			"phase":     string(phase),
			"order_ref": r.OrderRef,
			"delta_qty": dQty.String(),
			"delta_fee": dFee.String(),
		}).Debug("fill observed")
	}
	return dQty, dFee
}
