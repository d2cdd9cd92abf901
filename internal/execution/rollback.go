package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"fundarb/internal/accounting"
	"fundarb/internal/apperr"
	"fundarb/internal/audit"
	"fundarb/internal/exit"
	"fundarb/internal/model"
	"fundarb/logger"
)

// RollbackResult is the outcome of one compensation run.
type RollbackResult struct {
	State model.ExecState
	Loss  decimal.Decimal
	// Unflat lists the legs the venue still holds after the ladder.
	Unflat []model.LegRole
	Err    error
}

type rollbackJob struct {
	trade    *model.Trade
	shutdown bool
	done     chan RollbackResult
}

// RollbackProcessor unwinds trades whose hedge failed. Jobs are queued and
// run by a fixed pool of workers; a running job is never cancelled.
type RollbackProcessor struct {
	core         *core
	jobs         chan rollbackJob
	workers      int
	shuttingDown func() bool
	ctx          context.Context
	wg           sync.WaitGroup
	mu           sync.RWMutex
	running      bool
	log          *logger.Log
}

func newRollbackProcessor(c *core, shuttingDown func() bool) *RollbackProcessor {
	size := c.rollback.QueueSize
	if size < 1 {
		size = 1
	}
	workers := c.rollback.Workers
	if workers < 1 {
		workers = 1
	}
	return &RollbackProcessor{
		core:         c,
		jobs:         make(chan rollbackJob, size),
		workers:      workers,
		shuttingDown: shuttingDown,
		log:          c.log,
	}
}

func (p *RollbackProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("rollback processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.log.WithComponent("rollback").WithFields(logger.Fields{"workers": p.workers}).Info("starting rollback workers")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop waits for the workers. They exit once the start context ends and the
// queue is drained.
func (p *RollbackProcessor) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.wg.Wait()
	p.log.WithComponent("rollback").Info("rollback processor stopped")
}

// Submit queues a rollback for t, which must be in ROLLBACK_QUEUED. It blocks
// while the queue is full. Once the workers are gone the job runs on its own
// goroutine with the shutdown ladder.
func (p *RollbackProcessor) Submit(ctx context.Context, t *model.Trade, shutdown bool) (<-chan RollbackResult, error) {
	job := rollbackJob{trade: t, shutdown: shutdown, done: make(chan RollbackResult, 1)}
	p.mu.RLock()
	running := p.running && p.ctx.Err() == nil
	p.mu.RUnlock()
	if !running {
		job.shutdown = true
		go func() { job.done <- p.run(context.WithoutCancel(ctx), job) }()
		return job.done, nil
	}
	select {
	case p.jobs <- job:
		return job.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *RollbackProcessor) worker(id int) {
	defer p.wg.Done()
	log := p.log.WithComponent("rollback").WithFields(logger.Fields{"worker_id": id})

	for {
		select {
		case job := <-p.jobs:
			job.done <- p.run(context.WithoutCancel(p.ctx), job)
		case <-p.ctx.Done():
			// exposure must not be left behind: finish what is queued
			for {
				select {
				case job := <-p.jobs:
					job.shutdown = true
					job.done <- p.run(context.WithoutCancel(p.ctx), job)
				default:
					log.Info("worker stopped")
					return
				}
			}
		}
	}
}

func (p *RollbackProcessor) run(ctx context.Context, job rollbackJob) RollbackResult {
	c := p.core
	t := job.trade
	s := t.Snapshot()
	log := c.log.WithComponent("rollback").WithTrade(s.ID, s.Symbol)

	if err := c.transition(ctx, t, model.StateRollbackInProgress, nil); err != nil {
		log.WithError(err).Error("rollback could not start")
		return RollbackResult{State: t.CurrentStatus(), Err: err}
	}

	ladder := c.ladder(job.shutdown || (p.shuttingDown != nil && p.shuttingDown()))
	res := RollbackResult{Loss: decimal.Zero}
	for _, role := range []model.LegRole{model.RoleMaker, model.RoleHedge} {
		fr, err := c.flatten(ctx, t, role, ladder)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"role": string(role)}).Error("flatten failed")
		}
		res.Loss = res.Loss.Add(fr.Loss)
		if err != nil || !fr.Flat() {
			res.Unflat = append(res.Unflat, role)
		}
	}

	t.Update(func(s *model.TradeState) {
		s.RollbackLoss = res.Loss
		s.ClosedAt = c.now()
		accounting.Realize(s)
	})

	if len(res.Unflat) > 0 {
		res.Err = c.exhausted(ctx, t, ladder, res.Unflat)
		res.State = model.StateFailed
		return res
	}

	t.Update(func(s *model.TradeState) { s.CloseReason = string(exit.ReasonRollbackCompleted) })
	fields := map[string]any{"ladder": ladder.Name, "loss": res.Loss.String()}
	if err := c.transition(ctx, t, model.StateRollbackComplete, fields); err != nil {
		res.Err = err
	}
	res.State = t.CurrentStatus()
	log.WithFields(logger.Fields{"loss": res.Loss.String(), "ladder": ladder.Name}).Info("rollback complete")
	return res
}

// exhausted marks t FAILED after a ladder left exposure open and raises the
// reconciliation signal.
func (c *core) exhausted(ctx context.Context, t *model.Trade, ladder Ladder, unflat []model.LegRole) error {
	s := t.Snapshot()
	legs := make([]string, 0, len(unflat))
	for _, r := range unflat {
		legs = append(legs, string(r))
	}
	err := apperr.Newf(apperr.CompensationExhausted, "flatten",
		"%s ladder exhausted with %s still open", ladder.Name, strings.Join(legs, ","))
	err.Symbol = s.Symbol

	if terr := c.transition(ctx, t, model.StateFailed, map[string]any{"ladder": ladder.Name}); terr != nil {
		c.log.WithComponent("rollback").WithTrade(s.ID, s.Symbol).WithError(terr).Error("failed to mark trade failed")
	}
	c.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeReconciliationRequired,
		TradeID: s.ID,
		Symbol:  s.Symbol,
		Message: err.Error(),
		Fields:  map[string]any{"ladder": ladder.Name, "open_legs": legs},
	})
	c.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeTradeFailed,
		TradeID: s.ID,
		Symbol:  s.Symbol,
		Message: err.Error(),
		Fields:  map[string]any{"kind": apperr.CompensationExhausted.String()},
	})
	c.log.WithComponent("rollback").WithTrade(s.ID, s.Symbol).WithError(err).Error("trade failed, operator action required")
	return err
}
