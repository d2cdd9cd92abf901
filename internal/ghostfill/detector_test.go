package ghostfill

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/config"
	"fundarb/internal/apperr"
	"fundarb/internal/model"
	"fundarb/internal/venue"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testDetector() *Detector {
	return New(config.GhostFillConfig{PollInterval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond})
}

func paperWithBook(caps venue.Capabilities) *venue.Paper {
	p := venue.NewPaper(venue.PaperOptions{Name: "alpha", Caps: caps})
	p.SetBook("ETH", d("99.90"), d("100.05"))
	return p
}

func placeHidden(t *testing.T, p *venue.Paper, qty string) model.OrderAck {
	t.Helper()
	p.SetScript(func(model.OrderRequest, int) *venue.Outcome {
		return &venue.Outcome{FillQty: d(qty), FillPrice: d("100.00"), Status: model.OrderStatusCancelled, HideFill: true}
	})
	ack, err := p.PlaceOrder(context.Background(), model.OrderRequest{
		Symbol: "ETH", Side: model.SideBuy, Type: model.OrderTypeLimit,
		TimeInForce: model.TIFPostOnly, Qty: d("0.05"), Price: d("100.00"),
	})
	require.NoError(t, err)
	return ack
}

func TestCancelledOrderWithPositionDeltaIsFilled(t *testing.T) {
	p := paperWithBook(venue.Capabilities{})
	ack := placeHidden(t, p, "0.05")

	status, err := p.GetOrderStatus(context.Background(), "ETH", ack.OrderRef)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusCancelled, status.Status)
	require.True(t, status.CumQty.IsZero())

	res, err := testDetector().Check(context.Background(), p, Probe{
		Symbol: "ETH", OrderRef: ack.OrderRef, Side: model.SideBuy,
		Baseline: decimal.Zero, LimitPrice: d("100.00"),
	})
	require.NoError(t, err)
	assert.True(t, res.Filled)
	assert.True(t, res.Qty.Equal(d("0.05")), res.Qty.String())
	assert.True(t, res.Price.Equal(d("100.00")))
	assert.Equal(t, EvidencePosition, res.Evidence)
	assert.Equal(t, 1, res.Polls)
}

func TestFillHistoryIsPreferredWhenSupported(t *testing.T) {
	p := paperWithBook(venue.Capabilities{FillHistory: true})
	ack := placeHidden(t, p, "0.03")

	res, err := testDetector().Check(context.Background(), p, Probe{
		Symbol: "ETH", OrderRef: ack.OrderRef, Side: model.SideBuy, LimitPrice: d("99"),
	})
	require.NoError(t, err)
	assert.True(t, res.Filled)
	assert.Equal(t, EvidenceFills, res.Evidence)
	assert.True(t, res.Qty.Equal(d("0.03")))
	assert.True(t, res.Price.Equal(d("100.00")))

	report := res.Report(ack.OrderRef, time.Now())
	var book model.FillBook
	dq, _ := book.Observe(report)
	assert.True(t, dq.Equal(d("0.03")))
}

func TestShortSideDeltaIsProjected(t *testing.T) {
	p := paperWithBook(venue.Capabilities{})
	p.SetPosition("ETH", d("-0.02"), d("100"))

	res, err := testDetector().Check(context.Background(), p, Probe{
		Symbol: "ETH", OrderRef: "x", Side: model.SideSell, Baseline: decimal.Zero, LimitPrice: d("100"),
	})
	require.NoError(t, err)
	assert.True(t, res.Filled)
	assert.True(t, res.Qty.Equal(d("0.02")))

	// a move against the order's side is not a fill of it
	res, err = testDetector().Check(context.Background(), p, Probe{
		Symbol: "ETH", OrderRef: "y", Side: model.SideBuy, Baseline: decimal.Zero,
	})
	require.NoError(t, err)
	assert.False(t, res.Filled)
}

func TestZeroForWholeWindowIsUnfilled(t *testing.T) {
	p := paperWithBook(venue.Capabilities{FillHistory: true})

	start := time.Now()
	res, err := testDetector().Check(context.Background(), p, Probe{Symbol: "ETH", OrderRef: "none", Side: model.SideBuy})
	require.NoError(t, err)
	assert.False(t, res.Filled)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Greater(t, res.Polls, 1)
	assert.Equal(t, res.Polls, p.Calls(venue.OpPosition))
	assert.Equal(t, res.Polls, p.Calls(venue.OpFills))
}

func TestNoSuccessfulPollIsAmbiguous(t *testing.T) {
	p := paperWithBook(venue.Capabilities{})
	for i := 0; i < 50; i++ {
		p.FailNext(venue.OpPosition, &venue.StatusError{Venue: "alpha", StatusCode: http.StatusBadGateway})
	}
	_, err := testDetector().Check(context.Background(), p, Probe{Symbol: "ETH", OrderRef: "x", Side: model.SideBuy})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrAmbiguousFill))
}

func TestCancelledContextIsAmbiguous(t *testing.T) {
	p := paperWithBook(venue.Capabilities{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testDetector().Check(ctx, p, Probe{Symbol: "ETH", OrderRef: "x", Side: model.SideBuy})
	assert.True(t, errors.Is(err, apperr.ErrAmbiguousFill))
	assert.True(t, errors.Is(err, context.Canceled))
}
