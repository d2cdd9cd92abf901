package accounting

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/apperr"
	"fundarb/internal/model"
	"fundarb/internal/venue"
)

// CheckSamples verifies the price samples feeding one pnl computation: each
// must be valid and no older than freshness, and a streamed sample may only
// be combined with a polled one taken within maxSkew of it.
func CheckSamples(now time.Time, freshness, maxSkew time.Duration, samples ...model.Quote) error {
	for _, q := range samples {
		if !q.Valid() {
			return apperr.Newf(apperr.StaleData, "check_samples", "invalid quote %s/%s", q.Venue, q.Symbol).WithVenue(q.Venue, q.Symbol)
		}
		if freshness > 0 && q.Age(now) > freshness {
			return apperr.Newf(apperr.StaleData, "check_samples", "%s quote is %s old", q.Source, q.Age(now).Round(time.Millisecond)).WithVenue(q.Venue, q.Symbol)
		}
	}
	for i := 0; i < len(samples); i++ {
		for j := i + 1; j < len(samples); j++ {
			a, b := samples[i], samples[j]
			if a.Source == b.Source {
				continue
			}
			skew := a.At.Sub(b.At)
			if skew < 0 {
				skew = -skew
			}
			if maxSkew > 0 && skew > maxSkew {
				return apperr.Newf(apperr.StaleData, "check_samples",
					"%s %s and %s %s samples are %s apart", a.Venue, a.Source, b.Venue, b.Source, skew.Round(time.Millisecond)).WithVenue(a.Venue, a.Symbol)
			}
		}
	}
	return nil
}

// QuoteSource prefers a fresh streamed quote and falls back to polling the
// venue's book.
type QuoteSource struct {
	cache     *venue.QuoteCache
	freshness time.Duration
	now       func() time.Time
}

// NewQuoteSource builds a source; cache may be nil when nothing streams.
func NewQuoteSource(cache *venue.QuoteCache, freshness time.Duration) *QuoteSource {
	return &QuoteSource{cache: cache, freshness: freshness, now: time.Now}
}

func (s *QuoteSource) Quote(ctx context.Context, v venue.Venue, symbol string) (model.Quote, error) {
	now := s.now()
	if s.cache != nil {
		if q, ok := s.cache.Get(v.Name(), symbol); ok && q.Valid() && (s.freshness <= 0 || q.Age(now) <= s.freshness) {
			return q, nil
		}
	}
	q, err := v.GetTopOfBook(ctx, symbol)
	if err != nil {
		return model.Quote{}, fmt.Errorf("top of book %s/%s: %w", v.Name(), symbol, err)
	}
	q.Venue = v.Name()
	q.Symbol = symbol
	q.Source = model.SourcePolled
	if q.At.IsZero() {
		q.At = now
	}
	return q, nil
}

// Quotes fetches and checks the executable quotes of both legs of s.
func (e *Engine) Quotes(ctx context.Context, src *QuoteSource, s model.TradeState, freshness, maxSkew time.Duration) (map[model.LegRole]model.Quote, error) {
	out := make(map[model.LegRole]model.Quote, 2)
	var samples []model.Quote
	for _, leg := range []*model.Leg{s.Maker, s.Hedge} {
		if leg == nil {
			continue
		}
		v, ok := e.venues[leg.Venue]
		if !ok {
			return nil, fmt.Errorf("unknown venue %q", leg.Venue)
		}
		q, err := src.Quote(ctx, v, s.Symbol)
		if err != nil {
			return nil, err
		}
		out[leg.Role] = q
		samples = append(samples, q)
	}
	if err := CheckSamples(e.now(), freshness, maxSkew, samples...); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordPrices stores the last executable price and its source on each leg.
func (e *Engine) RecordPrices(t *model.Trade, quotes map[model.LegRole]model.Quote) {
	t.Update(func(s *model.TradeState) {
		for _, leg := range []*model.Leg{s.Maker, s.Hedge} {
			if leg == nil {
				continue
			}
			q, ok := quotes[leg.Role]
			if !ok {
				continue
			}
			leg.LastPrice = q.ExitPrice(leg.Side)
			leg.PriceSource = q.Source
			leg.LastPriceAt = q.At
		}
	})
}
