package execution

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/config"
	"fundarb/internal/accounting"
	"fundarb/internal/apperr"
	"fundarb/internal/audit"
	"fundarb/internal/gate"
	"fundarb/internal/ghostfill"
	"fundarb/internal/model"
	"fundarb/internal/venue"
	"fundarb/logger"
)

func TestMain(m *testing.M) {
	logger.GetLogger().SetOutput(io.Discard)
	os.Exit(m.Run())
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	alpha *venue.Paper
	beta  *venue.Paper
	coord *Coordinator
	rec   *audit.Recorder
}

func testExecution() config.ExecutionConfig {
	profile := config.RegimeProfile{MakerTimeout: 200 * time.Millisecond, MaxSpreadBps: d("50"), HedgeSlippage: d("0.002")}
	return config.ExecutionConfig{
		Regimes:            config.RegimeProfiles{Low: profile, Normal: profile, High: profile, HardCap: profile},
		HedgeTimeout:       time.Second,
		HedgeAttempts:      2,
		UnhedgedWindowMax:  5 * time.Second,
		StatusPollInterval: 2 * time.Millisecond,
		PriceFreshness:     5 * time.Second,
		MaxSourceSkew:      2 * time.Second,
		LockTimeout:        time.Second,
	}
}

func testRollback() config.RollbackConfig {
	rb := config.Default().Rollback
	rb.AttemptTimeout = 200 * time.Millisecond
	rb.QueueSize = 4
	rb.Workers = 1
	return rb
}

// newHarness wires a coordinator over two gated paper venues: alpha is the
// maker venue (ETH 99.90/100.10), beta the hedge venue (ETH 100.00/100.20).
// makerPolls is how many status polls a resting alpha order takes to fill.
func newHarness(t *testing.T, makerPolls int) *harness {
	t.Helper()
	alpha := venue.NewPaper(venue.PaperOptions{
		Name:                "alpha",
		Caps:                venue.Capabilities{PostOnly: true, ReduceOnly: true, FillHistory: true, MarkPrice: true, CancelAll: true},
		MakerFillAfterPolls: makerPolls,
	})
	alpha.SetBook("ETH", d("99.90"), d("100.10"))
	beta := venue.NewPaper(venue.PaperOptions{
		Name: "beta",
		Caps: venue.Capabilities{ReduceOnly: true, FillHistory: true},
	})
	beta.SetBook("ETH", d("100.00"), d("100.20"))

	venues := []venue.Venue{
		gate.Wrap(alpha, gate.New(gate.Options{Venue: "alpha"})),
		gate.Wrap(beta, gate.New(gate.Options{Venue: "beta"})),
	}
	rec := audit.NewRecorder(1000)
	coord := New(Options{
		Execution:  testExecution(),
		Rollback:   testRollback(),
		Venues:     venues,
		Detector:   ghostfill.New(config.GhostFillConfig{PollInterval: 2 * time.Millisecond, Timeout: 20 * time.Millisecond}),
		Accounting: accounting.New(config.AccountingConfig{}, venues, nil, rec),
		Recorder:   rec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() {
		cancel()
		coord.Stop()
	})
	return &harness{alpha: alpha, beta: beta, coord: coord, rec: rec}
}

func ethLong(qty string) OpenRequest {
	return OpenRequest{Symbol: "ETH", Qty: d(qty), MakerVenue: "alpha", HedgeVenue: "beta", MakerSide: model.SideBuy}
}

func rejectAll(req model.OrderRequest, seq int) *venue.Outcome {
	return &venue.Outcome{Reject: &venue.StatusError{Venue: "beta", StatusCode: http.StatusBadRequest, Message: "insufficient liquidity"}}
}

func transitionsTo(rec *audit.Recorder, id string) []string {
	var out []string
	for _, ev := range rec.ForTrade(id) {
		if ev.Type == audit.TypeTransition {
			out = append(out, ev.Fields["to"].(string))
		}
	}
	return out
}

func TestOpenHedgesConfirmedMakerFill(t *testing.T) {
	h := newHarness(t, 1)

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.NoError(t, err)

	assert.Equal(t, model.StateComplete, s.Status)
	assert.True(t, s.Maker.Entry.Qty.Equal(d("0.05")))
	assert.True(t, s.Hedge.Entry.Qty.Equal(d("0.05")))
	// maker rests at the bid, the hedge sells into beta's bid
	assert.True(t, s.EntrySpread.Equal(d("0.10")), s.EntrySpread.String())
	assert.True(t, s.Notional.Equal(d("4.995")), s.Notional.String())
	assert.False(t, s.OpenedAt.IsZero())
	assert.False(t, s.Maker.OrderOpen)
	assert.False(t, s.Hedge.OrderOpen)

	assert.Equal(t, []string{"LEG1_SENT", "LEG1_FILLED", "LEG2_SENT", "COMPLETE"}, transitionsTo(h.rec, s.ID))
	assert.Equal(t, 1, h.alpha.Calls(venue.OpCancelAll))
	assert.Equal(t, 1, h.beta.Calls(venue.OpPlaceOrder))
	assert.LessOrEqual(t, h.alpha.MaxOpenOrders(), 1)

	got, ok := h.coord.Registry().Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, model.StateComplete, got.CurrentStatus())
}

func TestOpenRecordsNegativeEntrySpread(t *testing.T) {
	h := newHarness(t, 1)
	h.alpha.SetBook("ETH", d("100.00"), d("100.10"))
	h.beta.SetBook("ETH", d("99.90"), d("100.05"))

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.NoError(t, err)

	assert.Equal(t, model.StateComplete, s.Status)
	mv, ok := s.Maker.Entry.VWAP()
	require.True(t, ok)
	assert.True(t, mv.Equal(d("100.00")), mv.String())
	hv, ok := s.Hedge.Entry.VWAP()
	require.True(t, ok)
	assert.True(t, hv.Equal(d("99.90")), hv.String())
	assert.True(t, s.Hedge.Entry.Qty.Equal(d("0.05")))
	// bought at 100.00, sold at 99.90
	assert.True(t, s.EntrySpread.Equal(d("-0.10")), s.EntrySpread.String())
	assert.True(t, s.Notional.Equal(d("5")), s.Notional.String())
}

func TestOpenRefusesSecondTradeOnSymbol(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.NoError(t, err)

	_, err = h.coord.Open(context.Background(), ethLong("0.05"))
	assert.ErrorIs(t, err, ErrSymbolBusy)
	assert.Equal(t, 1, h.coord.Registry().Len())
}

func TestOpenValidatesRequest(t *testing.T) {
	h := newHarness(t, 1)
	cases := map[string]OpenRequest{
		"zero qty":   {Symbol: "ETH", Qty: decimal.Zero, MakerVenue: "alpha", HedgeVenue: "beta", MakerSide: model.SideBuy},
		"same venue": {Symbol: "ETH", Qty: d("1"), MakerVenue: "alpha", HedgeVenue: "alpha", MakerSide: model.SideBuy},
		"bad side":   {Symbol: "ETH", Qty: d("1"), MakerVenue: "alpha", HedgeVenue: "beta", MakerSide: "UP"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.coord.Open(context.Background(), req)
			assert.Equal(t, apperr.OrderRejected, apperr.KindOf(err))
		})
	}
	assert.Equal(t, 0, h.alpha.Calls(venue.OpPlaceOrder))
}

func TestOpenDetectsHiddenMakerFill(t *testing.T) {
	h := newHarness(t, 0)
	h.alpha.SetScript(func(req model.OrderRequest, seq int) *venue.Outcome {
		if seq == 1 {
			return &venue.Outcome{FillQty: d("0.05"), FillPrice: d("99.90"), HideFill: true, Status: model.OrderStatusCancelled}
		}
		return nil
	})

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, s.Status)
	assert.True(t, s.Maker.Entry.Qty.Equal(d("0.05")))
	assert.True(t, s.Hedge.Entry.Qty.Equal(d("0.05")))
	require.Len(t, h.rec.OfType(audit.TypeGhostFill), 1)
	assert.Equal(t, ghostfill.EvidenceFills, h.rec.OfType(audit.TypeGhostFill)[0].Fields["evidence"])
}

func TestOpenHedgesPartialMakerFillOnly(t *testing.T) {
	h := newHarness(t, 0)
	h.alpha.SetScript(func(req model.OrderRequest, seq int) *venue.Outcome {
		if seq == 1 {
			return &venue.Outcome{FillQty: d("0.03"), FillPrice: d("99.90"), Rest: true}
		}
		return nil
	})

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, s.Status)
	assert.True(t, s.Maker.Entry.Qty.Equal(d("0.03")))
	assert.True(t, s.Hedge.Entry.Qty.Equal(d("0.03")))
	assert.Equal(t, 1, h.alpha.Calls(venue.OpCancelOrder))
	assert.Equal(t, 0, h.alpha.OpenOrders())
}

func TestMakerNeverFilledClosesTrade(t *testing.T) {
	h := newHarness(t, 0)

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.ErrorIs(t, err, ErrMakerNotFilled)
	assert.Equal(t, model.StateClosed, s.Status)
	assert.Equal(t, "maker_never_filled", s.CloseReason)
	assert.Equal(t, []string{"LEG1_SENT", "CLOSING", "CLOSED"}, transitionsTo(h.rec, s.ID))
	assert.Equal(t, 1, h.alpha.Calls(venue.OpCancelOrder))
	assert.Equal(t, 0, h.beta.Calls(venue.OpPlaceOrder))
	assert.Equal(t, 0, h.coord.Registry().Len())
}

func TestOpenRejectsWideMakerBook(t *testing.T) {
	h := newHarness(t, 1)
	h.alpha.SetBook("ETH", d("99"), d("101"))

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.ErrorIs(t, err, ErrSpreadTooWide)
	assert.Equal(t, model.StateClosed, s.Status)
	assert.Equal(t, "spread_too_wide", s.CloseReason)
	assert.Equal(t, 0, h.alpha.Calls(venue.OpPlaceOrder))
}

func TestHedgeFailureRollsBackMakerLeg(t *testing.T) {
	h := newHarness(t, 0)
	h.beta.SetScript(rejectAll)
	h.alpha.SetScript(func(req model.OrderRequest, seq int) *venue.Outcome {
		switch seq {
		case 1:
			return &venue.Outcome{FillQty: d("0.05"), FillPrice: d("100")}
		case 2, 3:
			return &venue.Outcome{}
		default:
			return &venue.Outcome{FillQty: req.Qty, FillPrice: d("99.95")}
		}
	})

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.Error(t, err)
	assert.Equal(t, apperr.HedgeFailure, apperr.KindOf(err))

	assert.Equal(t, model.StateRollbackComplete, s.Status)
	assert.Equal(t, "rollback_completed", s.CloseReason)
	// (entry - exit) * qty for the long maker leg
	assert.True(t, s.RollbackLoss.Equal(d("0.0025")), s.RollbackLoss.String())
	assert.True(t, s.Maker.Exit.Qty.Equal(d("0.05")))
	assert.Equal(t, 2, h.beta.Calls(venue.OpPlaceOrder))
	assert.Equal(t, 4, h.alpha.Calls(venue.OpPlaceOrder))
	assert.Len(t, h.rec.OfType(audit.TypeRollbackAttempt), 3)
	assert.Equal(t, []string{"LEG1_SENT", "LEG1_FILLED", "LEG2_SENT", "ROLLBACK_QUEUED", "ROLLBACK_IN_PROGRESS", "ROLLBACK_COMPLETE"}, transitionsTo(h.rec, s.ID))

	pos, err := h.alpha.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, pos.Qty.IsZero())
	assert.Equal(t, 0, h.coord.Registry().Len())
}

func TestHedgePriceFailureRollsBackMakerLeg(t *testing.T) {
	h := newHarness(t, 1)
	h.beta.FailNext(venue.OpTopOfBook, errors.New("book unavailable"))

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.Error(t, err)
	assert.Equal(t, apperr.HedgeFailure, apperr.KindOf(err))

	assert.Equal(t, model.StateRollbackComplete, s.Status)
	assert.True(t, s.Maker.Exit.Qty.Equal(d("0.05")))
	assert.Equal(t, []string{"LEG1_SENT", "LEG1_FILLED", "LEG2_SENT", "ROLLBACK_QUEUED", "ROLLBACK_IN_PROGRESS", "ROLLBACK_COMPLETE"}, transitionsTo(h.rec, s.ID))
	assert.Equal(t, 0, h.beta.Calls(venue.OpPlaceOrder))

	pos, err := h.alpha.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, pos.Qty.IsZero())
	assert.Equal(t, 0, h.coord.Registry().Len())
	assert.False(t, h.coord.Registry().HoldsSymbol("ETH"))
}

func TestRollbackFlattensPartialHedge(t *testing.T) {
	h := newHarness(t, 1)
	h.beta.SetScript(func(req model.OrderRequest, seq int) *venue.Outcome {
		switch seq {
		case 1:
			return &venue.Outcome{FillQty: d("0.02")}
		case 2:
			return &venue.Outcome{Reject: &venue.StatusError{Venue: "beta", StatusCode: http.StatusBadRequest, Message: "insufficient liquidity"}}
		}
		return nil
	})

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.Error(t, err)
	assert.Equal(t, model.StateRollbackComplete, s.Status)
	assert.True(t, s.Hedge.Entry.Qty.Equal(d("0.02")))
	assert.True(t, s.Hedge.Exit.Qty.Equal(d("0.02")))

	for _, p := range []*venue.Paper{h.alpha, h.beta} {
		pos, err := p.GetPosition(context.Background(), "ETH")
		require.NoError(t, err)
		assert.True(t, pos.Qty.IsZero(), p.Name())
	}
}

func TestExhaustedLadderFailsTrade(t *testing.T) {
	h := newHarness(t, 0)
	h.beta.SetScript(rejectAll)
	h.alpha.SetScript(func(req model.OrderRequest, seq int) *venue.Outcome {
		if seq == 1 {
			return &venue.Outcome{FillQty: d("0.05"), FillPrice: d("100")}
		}
		return &venue.Outcome{}
	})

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.Error(t, err)
	assert.Equal(t, apperr.CompensationExhausted, apperr.KindOf(err))
	assert.True(t, apperr.KindOf(err).Fatal())

	assert.Equal(t, model.StateFailed, s.Status)
	assert.Equal(t, 1+len(testRollback().NormalLadder), h.alpha.Calls(venue.OpPlaceOrder))
	require.Len(t, h.rec.OfType(audit.TypeReconciliationRequired), 1)
	assert.Len(t, h.rec.OfType(audit.TypeTradeFailed), 1)

	// FAILED trades stay visible to the operator
	_, ok := h.coord.Registry().Get(s.ID)
	assert.True(t, ok)
}

func TestCloseFlattensBothLegs(t *testing.T) {
	h := newHarness(t, 1)
	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.NoError(t, err)

	s, err = h.coord.Close(context.Background(), s.ID, "manual", false)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, s.Status)
	assert.Equal(t, "manual", s.CloseReason)
	assert.False(t, s.ClosedAt.IsZero())
	assert.True(t, s.Readback)
	// maker 99.90 -> 99.90, hedge short 100.00 -> 100.20
	assert.True(t, s.Realized.Price.Equal(d("-0.01")), s.Realized.Price.String())
	assert.Equal(t, 0, h.coord.Registry().Len())

	_, err = h.coord.Close(context.Background(), s.ID, "manual", false)
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestShutdownRefusesNewOpens(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.coord.Shutdown(context.Background()))
	assert.True(t, h.coord.ShuttingDown())

	_, err := h.coord.Open(context.Background(), ethLong("0.05"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownInterruptsMakerWait(t *testing.T) {
	h := newHarness(t, 0)
	h.coord.cfg.Regimes.Normal.MakerTimeout = time.Minute

	type result struct {
		s   model.TradeState
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := h.coord.Open(context.Background(), ethLong("0.05"))
		done <- result{s, err}
	}()
	require.Eventually(t, func() bool { return h.alpha.OpenOrders() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, h.coord.Shutdown(context.Background()))
	res := <-done
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, res.err, ErrMakerNotFilled)
	assert.Equal(t, model.StateClosed, res.s.Status)
	assert.Equal(t, 0, h.alpha.OpenOrders())
}

func TestShutdownAfterMakerFillClosesWithShutdownLadder(t *testing.T) {
	h := newHarness(t, 0)
	h.alpha.SetScript(func(req model.OrderRequest, seq int) *venue.Outcome {
		if seq == 1 {
			// the fill lands while shutdown is starting
			h.coord.signalShutdown()
			return &venue.Outcome{FillQty: d("0.05"), FillPrice: d("100")}
		}
		return nil
	})

	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, model.StateClosed, s.Status)
	assert.Equal(t, "shutdown", s.CloseReason)
	assert.Equal(t, 0, h.beta.Calls(venue.OpPlaceOrder))

	attempts := h.rec.OfType(audit.TypeRollbackAttempt)
	require.NotEmpty(t, attempts)
	assert.Equal(t, LadderShutdown, attempts[0].Fields["ladder"])
}

func TestRecoverClosesTradesCaughtMidSaga(t *testing.T) {
	h := newHarness(t, 1)
	h.alpha.SetPosition("ETH", d("0.05"), d("100"))

	tr := model.NewTrade("ETH", d("0.05"),
		model.Leg{Venue: "alpha", Side: model.SideBuy},
		model.Leg{Venue: "beta", Side: model.SideSell},
		time.Now().Add(-time.Minute))
	tr.Update(func(s *model.TradeState) {
		s.Status = model.StateLeg2Sent
		s.Maker.Entry.Observe(model.FillReport{OrderRef: "m1", CumQty: d("0.05"), AvgPrice: d("100")})
	})
	live := model.NewTrade("BTC", d("1"),
		model.Leg{Venue: "alpha", Side: model.SideBuy},
		model.Leg{Venue: "beta", Side: model.SideSell},
		time.Now())
	live.Update(func(s *model.TradeState) { s.Status = model.StateComplete })

	require.NoError(t, h.coord.Recover(context.Background(), []model.TradeState{tr.Snapshot(), live.Snapshot()}))

	_, ok := h.coord.Registry().Get(tr.ID)
	assert.False(t, ok, "mid-saga trade closed and archived")
	got, ok := h.coord.Registry().Get(live.ID)
	require.True(t, ok)
	assert.Equal(t, model.StateComplete, got.CurrentStatus())

	pos, err := h.alpha.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, pos.Qty.IsZero())
}

func TestFinalizeRetriesAfterReadbackFailure(t *testing.T) {
	h := newHarness(t, 1)
	s, err := h.coord.Open(context.Background(), ethLong("0.05"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.alpha.FailNext(venue.OpFills, errors.New("fill history unavailable"))
	}
	s, err = h.coord.Close(context.Background(), s.ID, "manual", false)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, s.Status)
	assert.False(t, s.Readback)
	assert.Equal(t, 1, h.coord.Registry().Len())

	assert.False(t, h.coord.Finalize(context.Background(), s.ID))
	assert.Eventually(t, func() bool { return h.coord.Finalize(context.Background(), s.ID) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.coord.Registry().Len())
}
