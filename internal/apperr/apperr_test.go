package apperr

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("place hedge: %w", New(OrderRejected, "place_order", io.ErrUnexpectedEOF).WithVenue("beta", "BTC"))

	assert.True(t, errors.Is(err, ErrOrderRejected))
	assert.False(t, errors.Is(err, ErrRateLimited))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, OrderRejected, KindOf(err))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorString(t *testing.T) {
	e := &Error{Kind: RateLimited, Op: "get_mid", Venue: "alpha", Symbol: "ETH", RetryAfter: 2 * time.Minute, Err: errors.New("429")}
	assert.Equal(t, "rate_limited get_mid venue=alpha symbol=ETH retry_after=2m0s: 429", e.Error())
	assert.Equal(t, 2*time.Minute, RetryAfter(fmt.Errorf("wrapped: %w", e)))
}

func TestFatal(t *testing.T) {
	assert.True(t, CompensationExhausted.Fatal())
	assert.False(t, HedgeFailure.Fatal())
	assert.Equal(t, "hedge_failure", HedgeFailure.String())
}
