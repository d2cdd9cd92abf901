package supervisor

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/config"
	"fundarb/internal/accounting"
	"fundarb/internal/audit"
	"fundarb/internal/execution"
	"fundarb/internal/exit"
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

type fakeFlusher struct {
	mu        sync.Mutex
	deadlines []time.Time
}

func (f *fakeFlusher) Flush(deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines = append(f.deadlines, deadline)
	return nil
}

type harness struct {
	alpha *venue.Paper
	beta  *venue.Paper
	coord *execution.Coordinator
	sup   *Supervisor
	rec   *audit.Recorder
	store *fakeFlusher
}

// newHarness opens one ETH trade, long on alpha and short on beta, and
// returns a supervisor watching it.
func newHarness(t *testing.T) (*harness, model.TradeState) {
	t.Helper()
	alpha := venue.NewPaper(venue.PaperOptions{
		Name:                "alpha",
		Caps:                venue.Capabilities{PostOnly: true, ReduceOnly: true, FillHistory: true},
		MakerFillAfterPolls: 1,
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

	cfg := config.Default()
	profile := config.RegimeProfile{MakerTimeout: 200 * time.Millisecond, MaxSpreadBps: d("50"), HedgeSlippage: d("0.002")}
	cfg.Execution.Regimes = config.RegimeProfiles{Low: profile, Normal: profile, High: profile, HardCap: profile}
	cfg.Execution.StatusPollInterval = 2 * time.Millisecond
	cfg.Rollback.AttemptTimeout = 200 * time.Millisecond

	rec := audit.NewRecorder(1000)
	engine := accounting.New(cfg.Accounting, venues, nil, rec)
	coord := execution.New(execution.Options{
		Execution:  cfg.Execution,
		Rollback:   cfg.Rollback,
		Venues:     venues,
		Detector:   ghostfill.New(config.GhostFillConfig{PollInterval: 2 * time.Millisecond, Timeout: 20 * time.Millisecond}),
		Accounting: engine,
		Recorder:   rec,
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() {
		cancel()
		coord.Stop()
	})

	store := &fakeFlusher{}
	sup := New(Options{
		Config:      cfg.Supervisor,
		Execution:   cfg.Execution,
		Accounting:  cfg.Accounting,
		FlushWindow: time.Second,
		Coordinator: coord,
		Evaluator:   exit.New(cfg.Exit),
		Engine:      engine,
		Venues:      venues,
		Store:       store,
		Recorder:    rec,
	})

	s, err := coord.Open(context.Background(), execution.OpenRequest{
		Symbol: "ETH", Qty: d("0.05"), MakerVenue: "alpha", HedgeVenue: "beta", MakerSide: model.SideBuy,
	})
	require.NoError(t, err)
	require.Equal(t, model.StateComplete, s.Status)

	return &harness{alpha: alpha, beta: beta, coord: coord, sup: sup, rec: rec, store: store}, s
}

func exitReasons(rec *audit.Recorder) []string {
	var out []string
	for _, ev := range rec.OfType(audit.TypeExitDecision) {
		out = append(out, ev.Fields["reason"].(string))
	}
	return out
}

func TestTickHoldsYoungHealthyTrade(t *testing.T) {
	h, s := newHarness(t)

	require.NoError(t, h.sup.Tick(context.Background()))

	assert.Empty(t, exitReasons(h.rec))
	got, ok := h.coord.Registry().Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, model.StateComplete, got.CurrentStatus())
	assert.Equal(t, 1, h.sup.history.len())
}

func TestTickClosesOnEmergency(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(h *harness)
		reason exit.Reason
	}{
		{
			name: "catastrophic funding flip",
			// the long leg pays 0.1% an hour
			setup:  func(h *harness) { h.alpha.SetFundingRate("ETH", d("0.001")) },
			reason: exit.ReasonCatastrophicFlip,
		},
		{
			name:   "liquidation proximity",
			setup:  func(h *harness) { h.alpha.SetLiquidationPrice("ETH", d("95")) },
			reason: exit.ReasonLiquidation,
		},
		{
			name:   "broken hedge",
			setup:  func(h *harness) { h.beta.SetPosition("ETH", decimal.Zero, decimal.Zero) },
			reason: exit.ReasonBrokenHedge,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h, s := newHarness(t)
			c.setup(h)

			require.NoError(t, h.sup.Tick(context.Background()))

			assert.Equal(t, []string{string(c.reason)}, exitReasons(h.rec))
			_, ok := h.coord.Registry().Get(s.ID)
			assert.False(t, ok, "closed trade should be archived")
			assert.Empty(t, h.rec.OfType(audit.TypeShutdownBypass))
		})
	}
}

func TestShutdownClosesYoungTradeWithBypassEvent(t *testing.T) {
	h, s := newHarness(t)

	before := time.Now()
	require.NoError(t, h.sup.Shutdown(context.Background()))

	assert.Equal(t, []string{string(exit.ReasonShutdown)}, exitReasons(h.rec))
	bypass := h.rec.OfType(audit.TypeShutdownBypass)
	require.Len(t, bypass, 1)
	assert.Equal(t, s.ID, bypass[0].TradeID)
	assert.Equal(t, (120 * time.Minute).String(), bypass[0].Fields["min_hold"])
	assert.Equal(t, "0", bypass[0].Fields["funding_collected"])
	assert.Equal(t, "0.5", bypass[0].Fields["funding_target"])

	assert.Zero(t, h.coord.Registry().Len())
	assert.True(t, h.coord.ShuttingDown())

	require.Len(t, h.store.deadlines, 1)
	assert.WithinDuration(t, before.Add(time.Second), h.store.deadlines[0], time.Second)

	ladders := map[string]bool{}
	for _, ev := range h.rec.ForTrade(s.ID) {
		if ev.Type == audit.TypeRollbackAttempt {
			ladders[ev.Fields["ladder"].(string)] = true
		}
	}
	assert.Equal(t, map[string]bool{execution.LadderShutdown: true}, ladders)
}

func TestShutdownClosesEvenWithoutQuotes(t *testing.T) {
	h, s := newHarness(t)
	h.alpha.SetBook("ETH", decimal.Zero, decimal.Zero)
	h.alpha.SetPosition("ETH", decimal.Zero, decimal.Zero)
	h.beta.SetPosition("ETH", decimal.Zero, decimal.Zero)

	require.NoError(t, h.sup.Shutdown(context.Background()))

	_, ok := h.coord.Registry().Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{string(exit.ReasonBrokenHedge)}, exitReasons(h.rec))
}

func TestRateHistorySamplesHourly(t *testing.T) {
	h := newRateHistory(3)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	got, flip := h.observe("t1", start, d("0.10"))
	assert.Equal(t, []decimal.Decimal{d("0.10")}, got)
	assert.True(t, flip.IsZero())

	// within the hour the current sample is appended but not stored
	got, _ = h.observe("t1", start.Add(10*time.Minute), d("0.08"))
	assert.Equal(t, []decimal.Decimal{d("0.10"), d("0.08")}, got)

	for i, apy := range []string{"0.05", "-0.01", "-0.02"} {
		at := start.Add(time.Duration(i+1) * time.Hour)
		got, flip = h.observe("t1", at, d(apy))
		if apy == "-0.01" {
			assert.Equal(t, at, flip)
		}
	}
	assert.Equal(t, []decimal.Decimal{d("0.05"), d("-0.01"), d("-0.02")}, got)
	assert.Equal(t, start.Add(2*time.Hour), flip)

	_, flip = h.observe("t1", start.Add(4*time.Hour), d("0.01"))
	assert.True(t, flip.IsZero())

	h.prune(map[string]bool{})
	assert.Zero(t, h.len())
}

func TestLiquidationDistance(t *testing.T) {
	cases := []struct {
		name string
		pos  model.Position
		want string
	}{
		{"long", model.Position{MarkPrice: d("100"), LiquidationPrice: d("80")}, "0.2"},
		{"short", model.Position{MarkPrice: d("100"), LiquidationPrice: d("125")}, "0.25"},
		{"no liquidation price", model.Position{MarkPrice: d("100")}, "-1"},
		{"no mark", model.Position{LiquidationPrice: d("90")}, "-1"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.True(t, liquidationDistance(c.pos).Equal(d(c.want)), liquidationDistance(c.pos).String())
		})
	}
}
