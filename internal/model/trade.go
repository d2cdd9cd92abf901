package model

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is returned for a status change outside the execution graph.
var ErrInvalidTransition = errors.New("invalid state transition")

// Leg is one side of the hedged position on one venue.
type Leg struct {
	Venue    string  `json:"venue"`
	Role     LegRole `json:"role"`
	Side     Side    `json:"side"`
	OrderRef string  `json:"order_ref,omitempty"`
	// OrderOpen is true while OrderRef may still fill.
	OrderOpen     bool            `json:"order_open"`
	Entry         FillBook        `json:"entry"`
	Exit          FillBook        `json:"exit"`
	LastPrice     decimal.Decimal `json:"last_price"`
	PriceSource   PriceSource     `json:"price_source,omitempty"`
	LastPriceAt   time.Time       `json:"last_price_at"`
	EntryMidPrice decimal.Decimal `json:"entry_mid_price"`
}

// OpenQty is the quantity still held: entry fills minus exit fills.
func (l *Leg) OpenQty() decimal.Decimal {
	q := l.Entry.Qty.Sub(l.Exit.Qty)
	if q.IsNegative() {
		return decimal.Zero
	}
	return q
}

// PricePnL is the realised price pnl of the closed quantity, before fees.
// BUY: (exit-entry)*qty, SELL: (entry-exit)*qty.
func (l *Leg) PricePnL() decimal.Decimal {
	entry, ok := l.Entry.VWAP()
	if !ok {
		return decimal.Zero
	}
	exit, ok := l.Exit.VWAP()
	if !ok {
		return decimal.Zero
	}
	qty := decimal.Min(l.Entry.Qty, l.Exit.Qty)
	if l.Side == SideBuy {
		return exit.Sub(entry).Mul(qty)
	}
	return entry.Sub(exit).Mul(qty)
}

// Fees is the total fee paid on the leg.
func (l *Leg) Fees() decimal.Decimal {
	return l.Entry.Fees.Add(l.Exit.Fees)
}

func (l *Leg) clone() *Leg {
	if l == nil {
		return nil
	}
	out := *l
	out.Entry = l.Entry.Clone()
	out.Exit = l.Exit.Clone()
	return &out
}

// Realized holds the realised pnl components.
type Realized struct {
	Price   decimal.Decimal `json:"price"`
	Funding decimal.Decimal `json:"funding"`
	Fees    decimal.Decimal `json:"fees"`
}

// Net is price + funding - fees.
func (r Realized) Net() decimal.Decimal {
	return r.Price.Add(r.Funding).Sub(r.Fees)
}

// TradeState is the persistable state of a trade.
type TradeState struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Status    ExecState       `json:"status"`
	TargetQty decimal.Decimal `json:"target_qty"`
	Notional  decimal.Decimal `json:"notional"`
	Maker     *Leg            `json:"maker"`
	Hedge     *Leg            `json:"hedge"`
	CreatedAt time.Time       `json:"created_at"`
	OpenedAt  time.Time       `json:"opened_at,omitempty"`
	ClosedAt  time.Time       `json:"closed_at,omitempty"`

	// FundingReceived and FundingPaid only grow; each payment id is applied once.
	FundingReceived decimal.Decimal     `json:"funding_received"`
	FundingPaid     decimal.Decimal     `json:"funding_paid"`
	FundingSeen     map[string]struct{} `json:"funding_seen,omitempty"`

	Realized     Realized        `json:"realized"`
	EntrySpread  decimal.Decimal `json:"entry_spread"`
	EntryAPY     decimal.Decimal `json:"entry_apy"`
	RollbackLoss decimal.Decimal `json:"rollback_loss"`
	CloseReason  string          `json:"close_reason,omitempty"`
	Readback     bool            `json:"readback"`
	Version      int64           `json:"version"`
}

// FundingCollected is the net funding: received minus paid.
func (s *TradeState) FundingCollected() decimal.Decimal {
	return s.FundingReceived.Sub(s.FundingPaid)
}

// Leg returns the leg with the given role.
func (s *TradeState) Leg(role LegRole) *Leg {
	if role == RoleHedge {
		return s.Hedge
	}
	return s.Maker
}

// Age is the time since the trade was opened, or created when never opened.
func (s *TradeState) Age(now time.Time) time.Duration {
	start := s.OpenedAt
	if start.IsZero() {
		start = s.CreatedAt
	}
	return now.Sub(start)
}

// Clone returns a deep copy.
func (s TradeState) Clone() TradeState {
	out := s
	out.Maker = s.Maker.clone()
	out.Hedge = s.Hedge.clone()
	if s.FundingSeen != nil {
		out.FundingSeen = make(map[string]struct{}, len(s.FundingSeen))
		for k := range s.FundingSeen {
			out.FundingSeen[k] = struct{}{}
		}
	}
	return out
}

// Trade is the aggregate root. It is mutated only through its methods, which
// serialise access; readers take a Snapshot.
type Trade struct {
	mu sync.Mutex
	TradeState
}

// NewTrade creates a PENDING trade with both legs described.
func NewTrade(symbol string, qty decimal.Decimal, maker, hedge Leg, now time.Time) *Trade {
	maker.Role = RoleMaker
	hedge.Role = RoleHedge
	return &Trade{TradeState: TradeState{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Status:    StatePending,
		TargetQty: qty,
		Maker:     &maker,
		Hedge:     &hedge,
		CreatedAt: now,
		Version:   1,
	}}
}

// RestoreTrade rebuilds a trade from persisted state.
func RestoreTrade(s TradeState) *Trade {
	return &Trade{TradeState: s.Clone()}
}

// Snapshot returns a consistent deep copy of the state.
func (t *Trade) Snapshot() TradeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.TradeState.Clone()
}

// CurrentStatus returns the status under the trade lock.
func (t *Trade) CurrentStatus() ExecState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// Transition moves the trade along the execution graph.
func (t *Trade) Transition(to ExecState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.Version++
	return nil
}

// Update runs fn with exclusive access and bumps the version. fn must not
// call other Trade methods.
func (t *Trade) Update(fn func(s *TradeState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.TradeState)
	t.Version++
}

// ApplyFunding adds a payment once. It returns false when the payment id was
// already applied or the amount is zero.
func (t *Trade) ApplyFunding(p FundingPayment) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Amount.IsZero() {
		return false
	}
	if t.FundingSeen == nil {
		t.FundingSeen = make(map[string]struct{})
	}
	key := p.Key()
	if _, ok := t.FundingSeen[key]; ok {
		return false
	}
	t.FundingSeen[key] = struct{}{}
	if p.Amount.IsPositive() {
		t.FundingReceived = t.FundingReceived.Add(p.Amount)
	} else {
		t.FundingPaid = t.FundingPaid.Add(p.Amount.Abs())
	}
	t.Realized.Funding = t.FundingReceived.Sub(t.FundingPaid)
	t.Version++
	return true
}
