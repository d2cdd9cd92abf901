package venue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fundarb/internal/metrics"
	"fundarb/internal/model"
	"fundarb/logger"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second
)

// QuoteCache keeps the latest streamed quote per venue and symbol.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

func NewQuoteCache() *QuoteCache {
	return &QuoteCache{quotes: make(map[string]model.Quote)}
}

func cacheKey(venue, symbol string) string { return venue + "/" + symbol }

// Put stores q unless a newer sample is already cached.
func (c *QuoteCache) Put(q model.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(q.Venue, q.Symbol)
	if prev, ok := c.quotes[key]; ok && prev.At.After(q.At) {
		return
	}
	c.quotes[key] = q
}

func (c *QuoteCache) Get(venue, symbol string) (model.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[cacheKey(venue, symbol)]
	return q, ok
}

// QuoteStream subscribes to a JSON top-of-book websocket feed:
//
//	-> {"op":"subscribe","symbols":["BTC","ETH"]}
//	<- {"symbol":"BTC","bid":"100.1","ask":"100.2","ts":1700000000000}
//
// and keeps the cache current until its context ends.
type QuoteStream struct {
	venue          string
	url            string
	symbols        []string
	reconnectDelay time.Duration
	normalizer     *Normalizer
	cache          *QuoteCache
	dialer         *websocket.Dialer
	now            func() time.Time
	log            *logger.Log

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

func NewQuoteStream(venue, url string, symbols []string, reconnectDelay time.Duration, cache *QuoteCache) *QuoteStream {
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	return &QuoteStream{
		venue:          venue,
		url:            url,
		symbols:        symbols,
		reconnectDelay: reconnectDelay,
		normalizer:     NewNormalizer(venue),
		cache:          cache,
		dialer:         websocket.DefaultDialer,
		now:            time.Now,
		log:            logger.GetLogger(),
	}
}

// Start runs the stream in the background. Stop waits for it to exit after
// ctx is cancelled.
func (s *QuoteStream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	s.log.WithComponent("quote_stream").WithFields(logger.Fields{
		"venue":   s.venue,
		"symbols": s.symbols,
	}).Info("quote stream started")
}

func (s *QuoteStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
	s.log.WithComponent("quote_stream").WithVenue(s.venue).Info("quote stream stopped")
}

func (s *QuoteStream) run(ctx context.Context) {
	log := s.log.WithComponent("quote_stream").WithFields(logger.Fields{"venue": s.venue, "url": s.url})
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to quote stream")
			if waitForReconnect(ctx, s.reconnectDelay) {
				return
			}
			continue
		}

		if err := conn.WriteJSON(map[string]any{"op": "subscribe", "symbols": s.symbols}); err != nil {
			log.WithError(err).Warn("failed to subscribe to quote stream")
			conn.Close()
			if waitForReconnect(ctx, s.reconnectDelay) {
				return
			}
			continue
		}

		pingCancel := startPingLoop(ctx, conn, defaultKeepAlive, log)
		// unblock ReadMessage when ctx ends
		stop := context.AfterFunc(ctx, func() { conn.Close() })

		if err := s.readMessages(conn); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("quote stream read loop ended")
		}

		stop()
		pingCancel()
		conn.Close()

		if waitForReconnect(ctx, s.reconnectDelay) {
			return
		}
	}
}

func (s *QuoteStream) readMessages(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *QuoteStream) handleMessage(raw []byte) bool {
	var payload RawQuote
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Symbol == "" {
		return false
	}
	q, err := s.normalizer.Quote(payload, model.SourceStreamed, s.now())
	if err != nil {
		metrics.EmitDropMetric(s.log, metrics.DropMetricQuoteStream, s.venue, payload.Symbol, "normalize")
		return false
	}
	q.Venue = s.venue
	s.cache.Put(q)
	return true
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}
