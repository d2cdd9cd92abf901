package accounting

import (
	"github.com/shopspring/decimal"

	"fundarb/internal/model"
)

// Realize recomputes the realised pnl fields from the fill books and the
// funding totals.
func Realize(s *model.TradeState) {
	var price, fees decimal.Decimal
	for _, leg := range []*model.Leg{s.Maker, s.Hedge} {
		if leg == nil {
			continue
		}
		price = price.Add(leg.PricePnL())
		fees = fees.Add(leg.Fees())
	}
	s.Realized = model.Realized{
		Price:   price,
		Funding: s.FundingCollected(),
		Fees:    fees,
	}
}

// PnL returns the realised pnl of a snapshot without mutating it.
func PnL(s model.TradeState) model.Realized {
	Realize(&s)
	return s.Realized
}

// UnrealizedExit values the open quantity of both legs at the executable
// price: a long is closed into the bid, a short into the ask.
func UnrealizedExit(s model.TradeState, quotes map[model.LegRole]model.Quote) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range []*model.Leg{s.Maker, s.Hedge} {
		if leg == nil {
			continue
		}
		entry, ok := leg.Entry.VWAP()
		if !ok {
			continue
		}
		q, ok := quotes[leg.Role]
		if !ok {
			continue
		}
		qty := leg.OpenQty()
		exit := q.ExitPrice(leg.Side)
		if leg.Side == model.SideBuy {
			total = total.Add(exit.Sub(entry).Mul(qty))
		} else {
			total = total.Add(entry.Sub(exit).Mul(qty))
		}
	}
	return total
}

// ExitCost estimates the taker fees and half-spread paid to close both legs.
func ExitCost(s model.TradeState, quotes map[model.LegRole]model.Quote, takerFee decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range []*model.Leg{s.Maker, s.Hedge} {
		if leg == nil {
			continue
		}
		q, ok := quotes[leg.Role]
		if !ok {
			continue
		}
		qty := leg.OpenQty()
		exit := q.ExitPrice(leg.Side)
		total = total.Add(exit.Mul(qty).Mul(takerFee))
		total = total.Add(q.Ask.Sub(q.Bid).Div(decimal.NewFromInt(2)).Mul(qty))
	}
	return total
}

// DeltaDrift is |long notional - short notional| / average notional, using
// the executable prices. It is zero when either leg holds nothing.
func DeltaDrift(s model.TradeState, quotes map[model.LegRole]model.Quote) decimal.Decimal {
	if s.Maker == nil || s.Hedge == nil {
		return decimal.Zero
	}
	mq, ok1 := quotes[model.RoleMaker]
	hq, ok2 := quotes[model.RoleHedge]
	if !ok1 || !ok2 {
		return decimal.Zero
	}
	mn := s.Maker.OpenQty().Mul(mq.Mid())
	hn := s.Hedge.OpenQty().Mul(hq.Mid())
	avg := mn.Add(hn).Div(decimal.NewFromInt(2))
	if !avg.IsPositive() {
		return decimal.Zero
	}
	return mn.Sub(hn).Abs().Div(avg)
}
