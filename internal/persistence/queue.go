package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fundarb/config"
	"fundarb/internal/metrics"
	"fundarb/internal/model"
	"fundarb/logger"
)

// Queue is the single writer in front of the file store. Snapshots of the
// same trade coalesce so only the newest version is written; funding records
// are appended in arrival order.
type Queue struct {
	files     *FileStore
	funding   *FundingLog
	archivers []Archiver

	mu       sync.Mutex
	pending  map[string]model.TradeState
	records  []FundingRecord
	archived map[string]bool
	inflight bool

	writeMu   sync.Mutex
	notify    chan struct{}
	threshold int
	interval  time.Duration

	wg      sync.WaitGroup
	running bool
	log     *logger.Log
}

var _ Store = (*Queue)(nil)

// NewQueue builds the queue. funding may be nil to skip the journal.
func NewQueue(files *FileStore, funding *FundingLog, cfg config.PersistenceConfig, archivers ...Archiver) *Queue {
	interval := cfg.BatchInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	threshold := cfg.QueueSize
	if threshold <= 0 {
		threshold = 256
	}
	return &Queue{
		files:     files,
		funding:   funding,
		archivers: archivers,
		pending:   make(map[string]model.TradeState),
		archived:  make(map[string]bool),
		notify:    make(chan struct{}, 1),
		threshold: threshold,
		interval:  interval,
		log:       logger.GetLogger(),
	}
}

// Start runs the writer until ctx ends; remaining work is written on exit.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(ctx)
	q.log.WithComponent("persistence").WithFields(logger.Fields{
		"dir":      q.files.Dir(),
		"interval": q.interval.String(),
	}).Info("persistence queue started")
}

// Wait blocks until the writer goroutine exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := q.writeBatch(); err != nil {
				q.log.WithComponent("persistence").WithError(err).Error("final persistence write failed")
			}
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			return
		case <-q.notify:
		case <-ticker.C:
		}
		if err := q.writeBatch(); err != nil {
			q.log.WithComponent("persistence").WithError(err).Warn("persistence write failed, will retry")
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PersistTradeSnapshot queues s. An older version than the one pending for
// the trade is ignored.
func (q *Queue) PersistTradeSnapshot(_ context.Context, s model.TradeState) error {
	q.mu.Lock()
	if q.archived[s.ID] {
		q.mu.Unlock()
		return nil
	}
	if prev, ok := q.pending[s.ID]; !ok || s.Version >= prev.Version {
		q.pending[s.ID] = s
	}
	full := len(q.pending)+len(q.records) >= q.threshold
	q.mu.Unlock()

	if full {
		q.signal()
	}
	return nil
}

func (q *Queue) AppendFundingRecord(_ context.Context, rec FundingRecord) error {
	q.mu.Lock()
	q.records = append(q.records, rec)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Depth reports pending writes, for queue depth metrics.
func (q *Queue) Depth() (length, capacity int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.records), q.threshold
}

// Flush asks the writer to drain and waits until deadline. Whatever is still
// pending then is written from the caller.
func (q *Queue) Flush(deadline time.Time) error {
	q.signal()
	for time.Now().Before(deadline) {
		if q.drained() {
			return nil
		}
		q.mu.Lock()
		running := q.running
		q.mu.Unlock()
		if !running {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if q.drained() {
		return nil
	}

	n, _ := q.Depth()
	q.log.WithComponent("persistence").WithFields(logger.Fields{"pending": n}).Warn("flush window elapsed, forcing pending writes")
	return q.writeBatch()
}

func (q *Queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.records) == 0 && !q.inflight
}

// writeBatch writes everything pending. Failed snapshots go back to the
// queue unless a newer version arrived meanwhile.
func (q *Queue) writeBatch() error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	q.mu.Lock()
	snapshots := q.pending
	records := q.records
	q.pending = make(map[string]model.TradeState)
	q.records = nil
	q.inflight = len(snapshots) > 0 || len(records) > 0
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.inflight = false
		q.mu.Unlock()
	}()

	var errs []error
	var failed []model.TradeState
	for _, s := range snapshots {
		err := q.files.Save(s)
		switch {
		case err == nil:
			metrics.ObservePersistWrite("ok")
		case errors.Is(err, ErrStaleSnapshot):
			metrics.ObservePersistWrite("stale")
		default:
			metrics.ObservePersistWrite("error")
			failed = append(failed, s)
			errs = append(errs, err)
		}
	}

	if len(records) > 0 && q.funding != nil {
		if err := q.funding.Append(records...); err != nil {
			errs = append(errs, err)
			q.mu.Lock()
			q.records = append(records, q.records...)
			q.mu.Unlock()
		}
	}

	if len(failed) > 0 {
		q.mu.Lock()
		for _, s := range failed {
			if prev, ok := q.pending[s.ID]; !ok || prev.Version < s.Version {
				q.pending[s.ID] = s
			}
		}
		q.mu.Unlock()
	}
	return errors.Join(errs...)
}

// ArchiveTrade writes the trade's final state to the archive and hands it to
// the external archivers. Later snapshots of the trade are ignored.
func (q *Queue) ArchiveTrade(ctx context.Context, s model.TradeState) error {
	q.writeMu.Lock()
	q.mu.Lock()
	delete(q.pending, s.ID)
	q.archived[s.ID] = true
	q.mu.Unlock()
	err := q.files.ArchiveTrade(ctx, s)
	q.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("archive trade %s: %w", s.ID, err)
	}

	for _, a := range q.archivers {
		if err := a.ArchiveTrade(ctx, s); err != nil {
			q.log.WithComponent("persistence").WithTrade(s.ID, s.Symbol).WithError(err).Warn("external archive failed")
		}
	}
	return nil
}
