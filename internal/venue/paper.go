package venue

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundarb/internal/model"
)

// Paper operation names used for failure injection and call counting.
const (
	OpPlaceOrder    = "place_order"
	OpCancelOrder   = "cancel_order"
	OpCancelAll     = "cancel_all"
	OpOrderStatus   = "order_status"
	OpPosition      = "position"
	OpTopOfBook     = "top_of_book"
	OpMidPrice      = "mid_price"
	OpMarkPrice     = "mark_price"
	OpFills         = "fills"
	OpFundingRate   = "funding_rate"
	OpFundingBatch  = "funding_batch"
	OpFundingSymbol = "funding_symbol"
)

// Outcome scripts what happens to one placed order.
type Outcome struct {
	// Reject is returned by PlaceOrder; nothing else happens.
	Reject error
	// FillQty is executed immediately at FillPrice (or the book price when
	// zero). Zero means no fill.
	FillQty   decimal.Decimal
	FillPrice decimal.Decimal
	// Status overrides the status the order reports after the fill.
	Status model.OrderStatus
	// HideFill applies the fill to the position and the fill history but keeps
	// the order's reported cumulative quantity at zero.
	HideFill bool
	// Rest leaves the unfilled remainder resting as NEW.
	Rest bool
}

// Script decides the outcome of the seq-th order placed on the venue (seq
// starts at 1). Returning nil falls back to the default matching rules.
// Scripts run without the venue lock held.
type Script func(req model.OrderRequest, seq int) *Outcome

type PaperOptions struct {
	Name string
	Caps Capabilities
	Now  func() time.Time
	// MakerFillAfterPolls fills a resting order at its limit price once its
	// status was polled this many times. Zero disables auto fills.
	MakerFillAfterPolls int
	MakerFeeRate        decimal.Decimal
	TakerFeeRate        decimal.Decimal
}

type paperOrder struct {
	req      model.OrderRequest
	ref      string
	status   model.OrderStatus
	cumQty   decimal.Decimal
	cumFee   decimal.Decimal
	notional decimal.Decimal
	hidden   bool
	polls    int
	updated  time.Time
}

func (o *paperOrder) open() bool {
	return o.status == model.OrderStatusNew || o.status == model.OrderStatusPartiallyFilled
}

func (o *paperOrder) report() model.OrderStatusReport {
	r := model.OrderStatusReport{
		OrderRef:  o.ref,
		Symbol:    o.req.Symbol,
		Status:    o.status,
		UpdatedAt: o.updated,
	}
	if o.hidden {
		return r
	}
	r.CumQty = o.cumQty
	r.CumFee = o.cumFee
	if o.cumQty.IsPositive() {
		r.AvgPrice = o.notional.Div(o.cumQty)
	}
	return r
}

type paperPosition struct {
	signed decimal.Decimal
	entry  decimal.Decimal
}

// Paper is an in-memory venue. Matching is immediate against a static top of
// book that tests and the dry-run mode move explicitly.
type Paper struct {
	opts PaperOptions
	seq  atomic.Int64

	mu         sync.Mutex
	script     Script
	books      map[string]model.Quote
	marks      map[string]decimal.Decimal
	liqs       map[string]decimal.Decimal
	rates      map[string]decimal.Decimal
	positions  map[string]*paperPosition
	orders     map[string]*paperOrder
	fills      map[string][]model.Fill
	funding    map[string][]model.FundingPayment
	batchOmit  map[string]bool
	failures   map[string][]error
	calls      map[string]int
	openOrders int
	maxOpen    int
}

var _ Venue = (*Paper)(nil)

func NewPaper(opts PaperOptions) *Paper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Caps.FundingSign == 0 {
		opts.Caps.FundingSign = 1
	}
	return &Paper{
		opts:      opts,
		books:     make(map[string]model.Quote),
		marks:     make(map[string]decimal.Decimal),
		liqs:      make(map[string]decimal.Decimal),
		rates:     make(map[string]decimal.Decimal),
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]*paperOrder),
		fills:     make(map[string][]model.Fill),
		funding:   make(map[string][]model.FundingPayment),
		batchOmit: make(map[string]bool),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

func (p *Paper) Name() string               { return p.opts.Name }
func (p *Paper) Capabilities() Capabilities { return p.opts.Caps }

// SetScript installs the order outcome script.
func (p *Paper) SetScript(s Script) {
	p.mu.Lock()
	p.script = s
	p.mu.Unlock()
}

func (p *Paper) SetBook(symbol string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books[symbol] = model.Quote{
		Venue:  p.opts.Name,
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Source: model.SourcePolled,
		At:     p.opts.Now(),
	}
}

func (p *Paper) SetMark(symbol string, mark decimal.Decimal) {
	p.mu.Lock()
	p.marks[symbol] = mark
	p.mu.Unlock()
}

func (p *Paper) SetLiquidationPrice(symbol string, liq decimal.Decimal) {
	p.mu.Lock()
	p.liqs[symbol] = liq
	p.mu.Unlock()
}

func (p *Paper) SetFundingRate(symbol string, hourly decimal.Decimal) {
	p.mu.Lock()
	p.rates[symbol] = hourly
	p.mu.Unlock()
}

// SetPosition overwrites the position with a signed quantity.
func (p *Paper) SetPosition(symbol string, signed, entry decimal.Decimal) {
	p.mu.Lock()
	p.positions[symbol] = &paperPosition{signed: signed, entry: entry}
	p.mu.Unlock()
}

// OmitFromBatch makes the batch funding call leave symbol out.
func (p *Paper) OmitFromBatch(symbol string) {
	p.mu.Lock()
	p.batchOmit[symbol] = true
	p.mu.Unlock()
}

// FailNext queues err to be returned by the next call of op.
func (p *Paper) FailNext(op string, err error) {
	p.mu.Lock()
	p.failures[op] = append(p.failures[op], err)
	p.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (p *Paper) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// MaxOpenOrders is the largest number of simultaneously open orders seen.
func (p *Paper) MaxOpenOrders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxOpen
}

// OpenOrders counts the orders currently open.
func (p *Paper) OpenOrders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openOrders
}

// AddFunding appends a payment in the venue's own sign convention.
func (p *Paper) AddFunding(symbol string, reported decimal.Decimal, at time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := uuid.NewString()
	p.funding[symbol] = append(p.funding[symbol], model.FundingPayment{
		ID: id, Venue: p.opts.Name, Symbol: symbol, Amount: reported, Time: at,
	})
	return id
}

// SettleFunding books one hourly funding payment for every open position:
// longs pay a positive rate, shorts receive it.
func (p *Paper) SettleFunding(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for symbol, pos := range p.positions {
		rate, ok := p.rates[symbol]
		if !ok || pos.signed.IsZero() {
			continue
		}
		received := pos.signed.Neg().Mul(p.markLocked(symbol)).Mul(rate)
		reported := received
		if p.opts.Caps.FundingSign < 0 {
			reported = received.Neg()
		}
		p.funding[symbol] = append(p.funding[symbol], model.FundingPayment{
			ID: uuid.NewString(), Venue: p.opts.Name, Symbol: symbol, Amount: reported, Time: at,
		})
	}
}

// Fill executes qty of a resting order at price.
func (p *Paper) Fill(orderRef string, qty, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderRef]
	if !ok {
		return fmt.Errorf("unknown order %s", orderRef)
	}
	if !o.open() {
		return fmt.Errorf("order %s is %s", orderRef, o.status)
	}
	p.executeLocked(o, qty, price, p.opts.MakerFeeRate, false)
	if o.cumQty.GreaterThanOrEqual(o.req.Qty) {
		p.closeLocked(o, model.OrderStatusFilled)
	} else {
		o.status = model.OrderStatusPartiallyFilled
	}
	return nil
}

// Expire ends a resting order with the given terminal status.
func (p *Paper) Expire(orderRef string, status model.OrderStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderRef]; ok && o.open() {
		p.closeLocked(o, status)
	}
}

func (p *Paper) enter(op string) error {
	p.calls[op]++
	if q := p.failures[op]; len(q) > 0 {
		err := q[0]
		p.failures[op] = q[1:]
		return err
	}
	return nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderAck{}, err
	}
	seq := int(p.seq.Add(1))
	p.mu.Lock()
	script := p.script
	p.mu.Unlock()
	var outcome *Outcome
	if script != nil {
		outcome = script(req, seq)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpPlaceOrder); err != nil {
		return model.OrderAck{}, err
	}
	if outcome != nil && outcome.Reject != nil {
		return model.OrderAck{}, outcome.Reject
	}
	if !req.Qty.IsPositive() {
		return model.OrderAck{}, &StatusError{Venue: p.opts.Name, StatusCode: http.StatusBadRequest, Message: "quantity must be positive"}
	}
	book, ok := p.books[req.Symbol]
	if !ok {
		return model.OrderAck{}, &StatusError{Venue: p.opts.Name, StatusCode: http.StatusNotFound, Message: "unknown symbol " + req.Symbol}
	}

	o := &paperOrder{req: req, ref: uuid.NewString(), status: model.OrderStatusNew, updated: p.opts.Now()}
	p.orders[o.ref] = o
	p.openOrders++
	if p.openOrders > p.maxOpen {
		p.maxOpen = p.openOrders
	}

	if req.ReduceOnly {
		pos := p.positions[req.Symbol]
		if pos == nil || pos.signed.IsZero() || pos.signed.Sign() == int(req.Side.Sign()) {
			p.closeLocked(o, model.OrderStatusRejected)
			return model.OrderAck{OrderRef: o.ref, Status: o.status}, nil
		}
		o.req.Qty = decimal.Min(req.Qty, pos.signed.Abs())
	}

	if outcome != nil {
		p.applyOutcomeLocked(o, book, *outcome)
		return model.OrderAck{OrderRef: o.ref, Status: o.status}, nil
	}

	taker := book.EntryPrice(req.Side)
	crosses := req.Type == model.OrderTypeMarket || req.Price.IsZero() ||
		(req.Side == model.SideBuy && req.Price.GreaterThanOrEqual(taker)) ||
		(req.Side == model.SideSell && req.Price.LessThanOrEqual(taker))

	switch {
	case req.TimeInForce == model.TIFPostOnly && crosses:
		p.closeLocked(o, model.OrderStatusRejected)
	case crosses:
		p.executeLocked(o, o.req.Qty, taker, p.opts.TakerFeeRate, false)
		p.closeLocked(o, model.OrderStatusFilled)
	case req.TimeInForce == model.TIFImmediateOrCancel:
		p.closeLocked(o, model.OrderStatusExpired)
	}
	return model.OrderAck{OrderRef: o.ref, Status: o.status}, nil
}

func (p *Paper) applyOutcomeLocked(o *paperOrder, book model.Quote, out Outcome) {
	qty := decimal.Min(out.FillQty, o.req.Qty)
	if qty.IsPositive() {
		price := out.FillPrice
		if price.IsZero() {
			price = book.EntryPrice(o.req.Side)
		}
		p.executeLocked(o, qty, price, p.opts.TakerFeeRate, out.HideFill)
	}
	status := out.Status
	if status == "" {
		switch {
		case o.cumQty.GreaterThanOrEqual(o.req.Qty):
			status = model.OrderStatusFilled
		case out.Rest && o.cumQty.IsPositive():
			status = model.OrderStatusPartiallyFilled
		case out.Rest:
			status = model.OrderStatusNew
		default:
			status = model.OrderStatusExpired
		}
	}
	if status.IsTerminal() {
		p.closeLocked(o, status)
	} else {
		o.status = status
	}
}

func (p *Paper) executeLocked(o *paperOrder, qty, price, feeRate decimal.Decimal, hidden bool) {
	now := p.opts.Now()
	fee := qty.Mul(price).Mul(feeRate)
	o.cumQty = o.cumQty.Add(qty)
	o.cumFee = o.cumFee.Add(fee)
	o.notional = o.notional.Add(qty.Mul(price))
	o.hidden = o.hidden || hidden
	o.updated = now

	pos := p.positions[o.req.Symbol]
	if pos == nil {
		pos = &paperPosition{}
		p.positions[o.req.Symbol] = pos
	}
	delta := qty
	if o.req.Side == model.SideSell {
		delta = qty.Neg()
	}
	next := pos.signed.Add(delta)
	switch {
	case pos.signed.IsZero() || pos.signed.Sign() == delta.Sign():
		// adding to the position: average the entry
		pos.entry = pos.entry.Mul(pos.signed.Abs()).Add(price.Mul(qty)).Div(next.Abs())
	case next.IsZero():
		pos.entry = decimal.Zero
	case next.Sign() != pos.signed.Sign():
		pos.entry = price
	}
	pos.signed = next

	p.fills[o.req.Symbol] = append(p.fills[o.req.Symbol], model.Fill{
		OrderRef: o.ref,
		FillID:   uuid.NewString(),
		Qty:      qty,
		Price:    price,
		Fee:      fee,
		At:       now,
	})
}

func (p *Paper) closeLocked(o *paperOrder, status model.OrderStatus) {
	if o.open() {
		p.openOrders--
	}
	o.status = status
	o.updated = p.opts.Now()
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpCancelOrder); err != nil {
		return err
	}
	o, ok := p.orders[orderRef]
	if !ok {
		return &StatusError{Venue: p.opts.Name, StatusCode: http.StatusNotFound, Message: "unknown order " + orderRef}
	}
	if o.open() {
		p.closeLocked(o, model.OrderStatusCancelled)
	}
	return nil
}

func (p *Paper) CancelAllOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opts.Caps.CancelAll {
		return ErrUnsupported
	}
	if err := p.enter(OpCancelAll); err != nil {
		return err
	}
	for _, o := range p.orders {
		if o.req.Symbol == symbol && o.open() {
			p.closeLocked(o, model.OrderStatusCancelled)
		}
	}
	return nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, symbol, orderRef string) (model.OrderStatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpOrderStatus); err != nil {
		return model.OrderStatusReport{}, err
	}
	o, ok := p.orders[orderRef]
	if !ok {
		return model.OrderStatusReport{OrderRef: orderRef, Symbol: symbol, Status: model.OrderStatusUnknown}, nil
	}
	if o.open() {
		o.polls++
		if p.opts.MakerFillAfterPolls > 0 && o.polls >= p.opts.MakerFillAfterPolls {
			remaining := o.req.Qty.Sub(o.cumQty)
			if remaining.IsPositive() {
				p.executeLocked(o, remaining, o.req.Price, p.opts.MakerFeeRate, false)
			}
			p.closeLocked(o, model.OrderStatusFilled)
		}
	}
	return o.report(), nil
}

func (p *Paper) GetPosition(ctx context.Context, symbol string) (model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpPosition); err != nil {
		return model.Position{}, err
	}
	out := model.Position{Venue: p.opts.Name, Symbol: symbol, Side: model.SideBuy}
	pos := p.positions[symbol]
	if pos == nil || pos.signed.IsZero() {
		return out, nil
	}
	mark := p.markLocked(symbol)
	out.Qty = pos.signed.Abs()
	if pos.signed.IsNegative() {
		out.Side = model.SideSell
	}
	out.MarkPrice = mark
	out.LiquidationPrice = p.liqs[symbol]
	if mark.IsPositive() {
		out.UnrealizedPnL = mark.Sub(pos.entry).Mul(pos.signed)
	}
	return out, nil
}

func (p *Paper) markLocked(symbol string) decimal.Decimal {
	if m, ok := p.marks[symbol]; ok {
		return m
	}
	if b, ok := p.books[symbol]; ok {
		return b.Mid()
	}
	return decimal.Zero
}

func (p *Paper) GetTopOfBook(ctx context.Context, symbol string) (model.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpTopOfBook); err != nil {
		return model.Quote{}, err
	}
	b, ok := p.books[symbol]
	if !ok {
		return model.Quote{}, &StatusError{Venue: p.opts.Name, StatusCode: http.StatusNotFound, Message: "unknown symbol " + symbol}
	}
	b.At = p.opts.Now()
	return b, nil
}

func (p *Paper) GetMidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpMidPrice); err != nil {
		return decimal.Zero, err
	}
	b, ok := p.books[symbol]
	if !ok {
		return decimal.Zero, &StatusError{Venue: p.opts.Name, StatusCode: http.StatusNotFound, Message: "unknown symbol " + symbol}
	}
	return b.Mid(), nil
}

func (p *Paper) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opts.Caps.MarkPrice {
		return decimal.Zero, ErrUnsupported
	}
	if err := p.enter(OpMarkPrice); err != nil {
		return decimal.Zero, err
	}
	mark := p.markLocked(symbol)
	if mark.IsZero() {
		return decimal.Zero, &StatusError{Venue: p.opts.Name, StatusCode: http.StatusNotFound, Message: "no mark for " + symbol}
	}
	return mark, nil
}

func (p *Paper) GetFills(ctx context.Context, symbol, orderRef string) ([]model.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opts.Caps.FillHistory {
		return nil, ErrUnsupported
	}
	if err := p.enter(OpFills); err != nil {
		return nil, err
	}
	var out []model.Fill
	for _, f := range p.fills[symbol] {
		if orderRef == "" || f.OrderRef == orderRef {
			out = append(out, f)
		}
	}
	return out, nil
}

func (p *Paper) GetFundingRate(ctx context.Context, symbol string) (model.FundingRate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpFundingRate); err != nil {
		return model.FundingRate{}, err
	}
	return model.FundingRate{Venue: p.opts.Name, Symbol: symbol, Hourly: p.rates[symbol], At: p.opts.Now()}, nil
}

func (p *Paper) FetchFundingPaymentsBatch(ctx context.Context, symbols []string, from time.Time) (map[string][]model.FundingPayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opts.Caps.BatchFunding {
		return nil, ErrUnsupported
	}
	if err := p.enter(OpFundingBatch); err != nil {
		return nil, err
	}
	out := make(map[string][]model.FundingPayment, len(symbols))
	for _, s := range symbols {
		if p.batchOmit[s] {
			continue
		}
		out[s] = p.paymentsLocked(s, from)
	}
	return out, nil
}

func (p *Paper) FetchFundingPayments(ctx context.Context, symbol string, from time.Time) ([]model.FundingPayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpFundingSymbol); err != nil {
		return nil, err
	}
	return p.paymentsLocked(symbol, from), nil
}

func (p *Paper) paymentsLocked(symbol string, from time.Time) []model.FundingPayment {
	var out []model.FundingPayment
	for _, f := range p.funding[symbol] {
		if !f.Time.Before(from) {
			out = append(out, f)
		}
	}
	return out
}
