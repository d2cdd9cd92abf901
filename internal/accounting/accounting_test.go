package accounting

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/config"
	"fundarb/internal/apperr"
	"fundarb/internal/audit"
	"fundarb/internal/model"
	"fundarb/internal/persistence"
	"fundarb/internal/venue"
	"fundarb/logger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type captureSink struct {
	mu      sync.Mutex
	records []persistence.FundingRecord
}

func (c *captureSink) AppendFundingRecord(_ context.Context, rec persistence.FundingRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func newPaper(name string, caps venue.Capabilities) *venue.Paper {
	p := venue.NewPaper(venue.PaperOptions{Name: name, Caps: caps, Now: func() time.Time { return testNow }})
	p.SetBook("ETH", d("99.90"), d("100.10"))
	p.SetBook("BTC", d("49990"), d("50010"))
	return p
}

func newTestEngine(sink FundingSink, rec *audit.Recorder, venues ...venue.Venue) *Engine {
	e := New(config.AccountingConfig{FundingLookback: 24 * time.Hour}, venues, sink, rec)
	e.now = func() time.Time { return testNow }
	log := logger.Logger()
	log.SetOutput(io.Discard)
	e.log = log
	return e
}

// openTrade builds a COMPLETE-looking trade long on maker and short on hedge
// with entry fills already observed.
func openTrade(e *Engine, symbol, maker, hedge string, qty, price decimal.Decimal) *model.Trade {
	t := model.NewTrade(symbol, qty,
		model.Leg{Venue: maker, Side: model.SideBuy},
		model.Leg{Venue: hedge, Side: model.SideSell},
		testNow.Add(-3*time.Hour))
	t.Update(func(s *model.TradeState) { s.OpenedAt = testNow.Add(-2 * time.Hour) })
	e.ObserveFill(t, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: "m-" + symbol, CumQty: qty, AvgPrice: price})
	e.ObserveFill(t, model.RoleHedge, PhaseEntry, model.FillReport{OrderRef: "h-" + symbol, CumQty: qty, AvgPrice: price})
	return t
}

func TestObserveFillIgnoresResentCumulativeReports(t *testing.T) {
	e := newTestEngine(nil, nil)
	tr := model.NewTrade("ETH", d("1"), model.Leg{Venue: "alpha", Side: model.SideBuy}, model.Leg{Venue: "beta", Side: model.SideSell}, testNow)

	dq, _ := e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: "o1", CumQty: d("0.4"), AvgPrice: d("100"), CumFee: d("0.02")})
	assert.True(t, dq.Equal(d("0.4")))

	dq, df := e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: "o1", CumQty: d("0.4"), AvgPrice: d("100"), CumFee: d("0.02")})
	assert.True(t, dq.IsZero())
	assert.True(t, df.IsZero())

	dq, _ = e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: "o1", CumQty: d("1"), AvgPrice: d("100.6"), CumFee: d("0.05")})
	assert.True(t, dq.Equal(d("0.6")))

	s := tr.Snapshot()
	vwap, ok := s.Maker.Entry.VWAP()
	require.True(t, ok)
	// 0.4@100 then 0.6@101 gives an order average of 100.6
	assert.True(t, vwap.Equal(d("100.6")), vwap.String())
	assert.True(t, s.Maker.Entry.Fees.Equal(d("0.05")))

	// a stale lower report changes nothing
	dq, _ = e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: "o1", CumQty: d("0.4"), AvgPrice: d("100")})
	assert.True(t, dq.IsZero())
	s = tr.Snapshot()
	vwap, _ = s.Maker.Entry.VWAP()
	assert.True(t, vwap.Equal(d("100.6")))
}

func TestObserveFillRealisesLegPnL(t *testing.T) {
	e := newTestEngine(nil, nil)
	tr := model.NewTrade("ETH", d("2"), model.Leg{Venue: "alpha", Side: model.SideBuy}, model.Leg{Venue: "beta", Side: model.SideSell}, testNow)
	e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: "m1", CumQty: d("2"), AvgPrice: d("100"), CumFee: d("0.1")})
	e.ObserveFill(tr, model.RoleHedge, PhaseEntry, model.FillReport{OrderRef: "h1", CumQty: d("2"), AvgPrice: d("100.2"), CumFee: d("0.1")})
	e.ObserveFill(tr, model.RoleMaker, PhaseExit, model.FillReport{OrderRef: "m2", CumQty: d("2"), AvgPrice: d("101"), CumFee: d("0.1")})
	e.ObserveFill(tr, model.RoleHedge, PhaseExit, model.FillReport{OrderRef: "h2", CumQty: d("2"), AvgPrice: d("101.1"), CumFee: d("0.1")})

	r := tr.Snapshot().Realized
	// long +2, short (100.2-101.1)*2 = -1.8
	assert.True(t, r.Price.Equal(d("0.2")), r.Price.String())
	assert.True(t, r.Fees.Equal(d("0.4")))
	assert.True(t, r.Net().Equal(d("-0.2")))
}

func TestRunCycleUsesBatchThenFallbackWithoutDoubleCounting(t *testing.T) {
	alpha := newPaper("alpha", venue.Capabilities{BatchFunding: true, FundingSign: -1})
	beta := newPaper("beta", venue.Capabilities{})
	alpha.OmitFromBatch("BTC")

	sink := &captureSink{}
	rec := audit.NewRecorder(32)
	e := newTestEngine(sink, rec, alpha, beta)

	eth := openTrade(e, "ETH", "alpha", "beta", d("1"), d("100"))
	btc := openTrade(e, "BTC", "alpha", "beta", d("0.1"), d("50000"))

	// alpha reports payments with the opposite sign convention
	alpha.AddFunding("ETH", d("-1.50"), testNow.Add(-time.Hour))
	alpha.AddFunding("BTC", d("2.00"), testNow.Add(-time.Hour))
	beta.AddFunding("ETH", d("0.25"), testNow.Add(-30*time.Minute))
	// before the trade opened: not attributed
	beta.AddFunding("BTC", d("9"), testNow.Add(-150*time.Minute))

	report, err := e.RunCycle(context.Background(), []*model.Trade{eth, btc})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Venues)
	assert.Equal(t, 1, report.BatchSymbols)
	assert.Equal(t, 3, report.FallbackSymbols)
	assert.Equal(t, 3, report.Applied)

	assert.Equal(t, 1, alpha.Calls(venue.OpFundingBatch))
	assert.Equal(t, 1, alpha.Calls(venue.OpFundingSymbol))
	assert.Equal(t, 0, beta.Calls(venue.OpFundingBatch))
	assert.Equal(t, 2, beta.Calls(venue.OpFundingSymbol))

	es := eth.Snapshot()
	assert.True(t, es.FundingReceived.Equal(d("1.75")), es.FundingReceived.String())
	assert.True(t, es.FundingPaid.IsZero())
	assert.True(t, es.Realized.Funding.Equal(d("1.75")))

	bs := btc.Snapshot()
	assert.True(t, bs.FundingPaid.Equal(d("2")), bs.FundingPaid.String())
	assert.True(t, bs.FundingCollected().Equal(d("-2")))

	require.Len(t, sink.records, 3)
	paths := map[string]int{}
	for _, r := range sink.records {
		paths[r.Path]++
	}
	assert.Equal(t, map[string]int{PathBatch: 1, PathFallback: 2}, paths)
	assert.Len(t, rec.OfType(audit.TypeFundingApplied), 3)

	// the same payments seen again are duplicates
	report, err = e.RunCycle(context.Background(), []*model.Trade{eth, btc})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Applied)
	assert.Equal(t, 3, report.Duplicates)
	assert.True(t, eth.Snapshot().FundingReceived.Equal(d("1.75")))
	assert.Len(t, sink.records, 3)
}

func TestRunCycleFallsBackWhenBatchFails(t *testing.T) {
	alpha := newPaper("alpha", venue.Capabilities{BatchFunding: true})
	alpha.FailNext(venue.OpFundingBatch, &venue.StatusError{Venue: "alpha", StatusCode: 500, Message: "boom"})
	e := newTestEngine(nil, nil, alpha)

	tr := openTrade(e, "ETH", "alpha", "alpha", d("1"), d("100"))
	alpha.AddFunding("ETH", d("0.5"), testNow.Add(-time.Hour))

	report, err := e.RunCycle(context.Background(), []*model.Trade{tr})
	require.NoError(t, err)
	assert.Equal(t, 0, report.BatchSymbols)
	assert.Equal(t, 1, report.FallbackSymbols)
	// both legs share one venue and symbol, so the payment lands once
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Duplicates)
	assert.True(t, tr.Snapshot().FundingReceived.Equal(d("0.5")))
}

func TestRunCycleReportsFetchErrors(t *testing.T) {
	beta := newPaper("beta", venue.Capabilities{})
	beta.FailNext(venue.OpFundingSymbol, &venue.StatusError{Venue: "beta", StatusCode: 503})
	e := newTestEngine(nil, nil, beta)
	tr := openTrade(e, "ETH", "beta", "beta", d("1"), d("100"))

	report, err := e.RunCycle(context.Background(), []*model.Trade{tr})
	require.Error(t, err)
	assert.Len(t, report.Errors, 1)
	assert.Equal(t, 0, report.Applied)
}

func TestRunCycleReportsUnknownVenue(t *testing.T) {
	beta := newPaper("beta", venue.Capabilities{})
	e := newTestEngine(nil, nil, beta)
	tr := openTrade(e, "ETH", "gamma", "beta", d("1"), d("100"))

	report, err := e.RunCycle(context.Background(), []*model.Trade{tr})
	require.Error(t, err)
	assert.ErrorContains(t, err, `unknown venue "gamma"`)
	assert.Equal(t, 1, report.Venues)
}

func TestCheckSamples(t *testing.T) {
	streamed := model.Quote{Venue: "alpha", Symbol: "ETH", Bid: d("100"), Ask: d("100.1"), Source: model.SourceStreamed}
	polled := model.Quote{Venue: "beta", Symbol: "ETH", Bid: d("100"), Ask: d("100.1"), Source: model.SourcePolled}

	at := func(q model.Quote, age time.Duration) model.Quote {
		q.At = testNow.Add(-age)
		return q
	}

	tests := []struct {
		name    string
		samples []model.Quote
		wantErr bool
	}{
		{"both fresh same source", []model.Quote{at(polled, time.Second), at(polled, 2*time.Second)}, false},
		{"mixed within skew", []model.Quote{at(streamed, time.Second), at(polled, 2*time.Second)}, false},
		{"mixed beyond skew", []model.Quote{at(streamed, 0), at(polled, 4*time.Second)}, true},
		{"stale sample", []model.Quote{at(polled, 10*time.Second)}, true},
		{"crossed book", []model.Quote{{Venue: "alpha", Symbol: "ETH", Bid: d("101"), Ask: d("100"), At: testNow}}, true},
		{"no samples", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSamples(testNow, 5*time.Second, 3*time.Second, tt.samples...)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperr.StaleData, apperr.KindOf(err))
		})
	}
}

func TestUnrealizedExitUsesExecutablePrices(t *testing.T) {
	s := model.TradeState{
		Maker: &model.Leg{Role: model.RoleMaker, Side: model.SideBuy, Entry: model.FillBook{Qty: d("1"), Notional: d("100")}},
		Hedge: &model.Leg{Role: model.RoleHedge, Side: model.SideSell, Entry: model.FillBook{Qty: d("1"), Notional: d("100")}},
	}
	quotes := map[model.LegRole]model.Quote{
		model.RoleMaker: {Bid: d("101"), Ask: d("101.2")},
		model.RoleHedge: {Bid: d("100.8"), Ask: d("101")},
	}
	// long sells into 101 (+1), short buys back at 101 (-1)
	assert.True(t, UnrealizedExit(s, quotes).IsZero())

	cost := ExitCost(s, quotes, d("0.0005"))
	// fees 101*0.0005*2 = 0.101, half spreads 0.1 + 0.1
	assert.True(t, cost.Equal(d("0.301")), cost.String())

	drift := DeltaDrift(s, quotes)
	assert.True(t, drift.LessThan(d("0.003")))
}

func TestQuotesPrefersFreshStream(t *testing.T) {
	alpha := newPaper("alpha", venue.Capabilities{})
	beta := newPaper("beta", venue.Capabilities{})
	e := newTestEngine(nil, nil, alpha, beta)

	cache := venue.NewQuoteCache()
	cache.Put(model.Quote{Venue: "alpha", Symbol: "ETH", Bid: d("99.80"), Ask: d("99.90"), Source: model.SourceStreamed, At: testNow.Add(-time.Second)})
	src := NewQuoteSource(cache, 5*time.Second)
	src.now = func() time.Time { return testNow }

	tr := openTrade(e, "ETH", "alpha", "beta", d("1"), d("100"))
	quotes, err := e.Quotes(context.Background(), src, tr.Snapshot(), 5*time.Second, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.SourceStreamed, quotes[model.RoleMaker].Source)
	assert.Equal(t, model.SourcePolled, quotes[model.RoleHedge].Source)
	assert.Equal(t, 0, alpha.Calls(venue.OpTopOfBook))
	assert.Equal(t, 1, beta.Calls(venue.OpTopOfBook))

	e.RecordPrices(tr, quotes)
	s := tr.Snapshot()
	assert.True(t, s.Maker.LastPrice.Equal(d("99.80")))
	assert.True(t, s.Hedge.LastPrice.Equal(d("100.10")))
}

func placeAndFill(t *testing.T, p *venue.Paper, side model.Side, qty string) string {
	t.Helper()
	ack, err := p.PlaceOrder(context.Background(), model.OrderRequest{Symbol: "ETH", Side: side, Type: model.OrderTypeMarket, Qty: d(qty)})
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusFilled, ack.Status)
	return ack.OrderRef
}

func TestReadbackCorrectsDriftedEstimate(t *testing.T) {
	alpha := newPaper("alpha", venue.Capabilities{FillHistory: true})
	beta := newPaper("beta", venue.Capabilities{FillHistory: true})
	rec := audit.NewRecorder(16)
	e := newTestEngine(nil, rec, alpha, beta)

	buy := placeAndFill(t, alpha, model.SideBuy, "1")  // 100.10
	sell := placeAndFill(t, beta, model.SideSell, "1") // 99.90

	tr := model.NewTrade("ETH", d("1"), model.Leg{Venue: "alpha", Side: model.SideBuy}, model.Leg{Venue: "beta", Side: model.SideSell}, testNow)
	// the running estimate saw a bad average on the long leg
	e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: buy, CumQty: d("1"), AvgPrice: d("101")})
	e.ObserveFill(tr, model.RoleHedge, PhaseEntry, model.FillReport{OrderRef: sell, CumQty: d("1"), AvgPrice: d("99.90")})

	res, err := e.Readback(context.Background(), tr)
	require.NoError(t, err)
	assert.True(t, res.Breach)
	assert.True(t, res.MaxVWAPDiff.GreaterThan(d("3")))

	s := tr.Snapshot()
	assert.True(t, s.Readback)
	vwap, _ := s.Maker.Entry.VWAP()
	assert.True(t, vwap.Equal(d("100.10")), vwap.String())
	assert.Len(t, rec.OfType(audit.TypeReadbackCorrection), 1)
}

func TestReadbackWithinToleranceKeepsEstimate(t *testing.T) {
	alpha := newPaper("alpha", venue.Capabilities{})
	beta := newPaper("beta", venue.Capabilities{})
	rec := audit.NewRecorder(16)
	e := newTestEngine(nil, rec, alpha, beta)

	buy := placeAndFill(t, alpha, model.SideBuy, "1")
	sell := placeAndFill(t, beta, model.SideSell, "1")

	tr := model.NewTrade("ETH", d("1"), model.Leg{Venue: "alpha", Side: model.SideBuy}, model.Leg{Venue: "beta", Side: model.SideSell}, testNow)
	e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: buy, CumQty: d("1"), AvgPrice: d("100.10")})
	e.ObserveFill(tr, model.RoleHedge, PhaseEntry, model.FillReport{OrderRef: sell, CumQty: d("1"), AvgPrice: d("99.90")})
	before := tr.Snapshot()

	res, err := e.Readback(context.Background(), tr)
	require.NoError(t, err)
	assert.False(t, res.Breach)
	assert.True(t, res.NetPnLDiff.IsZero())

	after := tr.Snapshot()
	assert.True(t, after.Readback)
	assert.Equal(t, before.Maker.Entry, after.Maker.Entry)
	assert.Empty(t, rec.OfType(audit.TypeReadbackCorrection))
	// status polling path: no fill history calls
	assert.Equal(t, 0, alpha.Calls(venue.OpFills))
	assert.Equal(t, 1, alpha.Calls(venue.OpOrderStatus))
}

func TestReadbackKeepsCorroboratedHiddenFill(t *testing.T) {
	alpha := newPaper("alpha", venue.Capabilities{})
	alpha.SetScript(func(req model.OrderRequest, seq int) *venue.Outcome {
		return &venue.Outcome{FillQty: req.Qty, HideFill: true, Status: model.OrderStatusCancelled}
	})
	e := newTestEngine(nil, nil, alpha)

	ack, err := alpha.PlaceOrder(context.Background(), model.OrderRequest{Symbol: "ETH", Side: model.SideBuy, Qty: d("0.05")})
	require.NoError(t, err)

	tr := model.NewTrade("ETH", d("0.05"), model.Leg{Venue: "alpha", Side: model.SideBuy}, model.Leg{Venue: "alpha", Side: model.SideSell}, testNow)
	e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: ack.OrderRef, CumQty: d("0.05"), AvgPrice: d("100.10")})

	res, err := e.Readback(context.Background(), tr)
	require.NoError(t, err)
	assert.False(t, res.Breach)
	assert.True(t, tr.Snapshot().Maker.Entry.Qty.Equal(d("0.05")))
}

func TestReadbackKeepsFillMissingFromHistory(t *testing.T) {
	alpha := newPaper("alpha", venue.Capabilities{FillHistory: true})
	e := newTestEngine(nil, nil, alpha)
	buy := placeAndFill(t, alpha, model.SideBuy, "0.05") // 100.10

	tr := model.NewTrade("ETH", d("0.10"), model.Leg{Venue: "alpha", Side: model.SideBuy}, model.Leg{Venue: "alpha", Side: model.SideSell}, testNow)
	e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: buy, CumQty: d("0.05"), AvgPrice: d("100.10")})
	// confirmed from the position change, the venue never acknowledged it
	e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: "unacked-abc", CumQty: d("0.05"), AvgPrice: d("100.10")})

	res, err := e.Readback(context.Background(), tr)
	require.NoError(t, err)
	assert.False(t, res.Breach)
	entry := tr.Snapshot().Maker.Entry
	assert.True(t, entry.Qty.Equal(d("0.10")), entry.Qty.String())
	assert.True(t, entry.OrderQty("unacked-abc").Equal(d("0.05")))
}

func TestReadbackFetchFailureLeavesTradeUnmarked(t *testing.T) {
	alpha := newPaper("alpha", venue.Capabilities{FillHistory: true})
	e := newTestEngine(nil, nil, alpha)
	buy := placeAndFill(t, alpha, model.SideBuy, "1")
	alpha.FailNext(venue.OpFills, &venue.StatusError{Venue: "alpha", StatusCode: 503})

	tr := model.NewTrade("ETH", d("1"), model.Leg{Venue: "alpha", Side: model.SideBuy}, model.Leg{Venue: "alpha", Side: model.SideSell}, testNow)
	e.ObserveFill(tr, model.RoleMaker, PhaseEntry, model.FillReport{OrderRef: buy, CumQty: d("1"), AvgPrice: d("100.10")})

	_, err := e.Readback(context.Background(), tr)
	require.Error(t, err)
	assert.False(t, tr.Snapshot().Readback)
}
