package supervisor

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/accounting"
	"fundarb/internal/exit"
	"fundarb/internal/model"
	"fundarb/logger"
)

var unknownDistance = decimal.NewFromInt(-1)

// legView is what one venue read tells about a leg.
type legView struct {
	open    bool
	liqDist decimal.Decimal
	rate    decimal.Decimal
	rateOK  bool
}

// snapshot assembles the evaluator input from live gated reads. Outside
// shutdown a stale or missing price aborts the evaluation; under shutdown
// the close goes ahead on whatever could be read.
func (s *Supervisor) snapshot(ctx context.Context, t *model.Trade, shutdown bool) (exit.Snapshot, error) {
	state := t.Snapshot()
	now := s.now()
	log := s.log.WithComponent("supervisor").WithTrade(state.ID, state.Symbol)

	quotes, err := s.opts.Engine.Quotes(ctx, s.opts.Quotes, state, s.opts.Execution.PriceFreshness, s.opts.Execution.MaxSourceSkew)
	if err != nil {
		if !shutdown {
			return exit.Snapshot{}, fmt.Errorf("quotes: %w", err)
		}
		log.WithError(err).Warn("closing without fresh quotes")
		quotes = nil
	}
	if quotes != nil {
		s.opts.Engine.RecordPrices(t, quotes)
	}

	maker, hedge, err := s.legViews(ctx, state)
	if err != nil && !shutdown {
		return exit.Snapshot{}, err
	}

	regime, err := s.opts.Volatility.CurrentRegime(ctx, state.Symbol)
	if err != nil {
		log.WithError(err).Debug("volatility unavailable, assuming NORMAL")
		regime = model.RegimeNormal
	}

	snap := exit.Snapshot{
		TradeID:          state.ID,
		Symbol:           state.Symbol,
		Now:              now,
		OpenedAt:         state.OpenedAt,
		Notional:         state.Notional,
		FundingCollected: state.FundingCollected(),
		MakerOpen:        maker.open,
		HedgeOpen:        hedge.open,
		MakerLiqDistance: maker.liqDist,
		HedgeLiqDistance: hedge.liqDist,
		Regime:           regime,
		EntryAPY:         state.EntryAPY,
		Shutdown:         shutdown,
	}
	if quotes != nil {
		snap.UnrealizedPnL = accounting.UnrealizedExit(state, quotes)
		snap.ExitCost = accounting.ExitCost(state, quotes, s.opts.Accounting.TakerFeeRate)
		snap.DeltaDrift = accounting.DeltaDrift(state, quotes)
	}

	if maker.rateOK && hedge.rateOK {
		long, short := maker.rate, hedge.rate
		if state.Maker.Side == model.SideSell {
			long, short = hedge.rate, maker.rate
		}
		snap.NetHourlyRate = model.NetHourlyRate(long, short)
		snap.APYHistory, snap.FlipSince = s.history.observe(state.ID, now, snap.CurrentAPY())
	}

	if s.opts.Opportunities != nil && !shutdown {
		best, err := s.opts.Opportunities.BestAPY(ctx, state.Symbol)
		if err != nil {
			log.WithError(err).Debug("opportunity scan failed")
		} else {
			snap.BestAltAPY = best
		}
	}
	return snap, nil
}

// legViews reads both legs' positions and funding rates concurrently. A
// failed position read reports the leg from its own books; a failed rate
// read leaves the rate unknown.
func (s *Supervisor) legViews(ctx context.Context, state model.TradeState) (maker, hedge legView, err error) {
	views := make([]legView, 2)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Config.MaxConcurrentRefresh)

	for i, leg := range []*model.Leg{state.Maker, state.Hedge} {
		i, leg := i, leg
		views[i] = legView{open: leg.OpenQty().IsPositive(), liqDist: unknownDistance}
		v, ok := s.venues[leg.Venue]
		if !ok {
			return legView{}, legView{}, fmt.Errorf("unknown venue %q", leg.Venue)
		}

		g.Go(func() error {
			pos, err := v.GetPosition(gctx, state.Symbol)
			if err != nil {
				return fmt.Errorf("position %s/%s: %w", leg.Venue, state.Symbol, err)
			}
			views[i].open = pos.Qty.IsPositive() && pos.Side == leg.Side
			views[i].liqDist = liquidationDistance(pos)
			return nil
		})
		g.Go(func() error {
			r, err := v.GetFundingRate(gctx, state.Symbol)
			if err != nil {
				s.log.WithComponent("supervisor").WithFields(logger.Fields{
					"venue":  leg.Venue,
					"symbol": state.Symbol,
				}).WithError(err).Debug("funding rate unavailable")
				return nil
			}
			views[i].rate = r.Hourly
			views[i].rateOK = true
			return nil
		})
	}
	err = g.Wait()
	return views[0], views[1], err
}

// liquidationDistance is |mark - liquidation| / mark, or -1 when the venue
// does not report both.
func liquidationDistance(p model.Position) decimal.Decimal {
	if !p.MarkPrice.IsPositive() || !p.LiquidationPrice.IsPositive() {
		return unknownDistance
	}
	return p.MarkPrice.Sub(p.LiquidationPrice).Abs().Div(p.MarkPrice)
}
