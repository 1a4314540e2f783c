package crmsync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/store"
)

// SchedulerConfig controls the periodic sync job.
type SchedulerConfig struct {
	// Interval between runs. Default: 5m.
	Interval time.Duration

	// BatchSize bounds how many leads one run picks up. Default: 50.
	BatchSize int

	// MaxAttempts is the total failed pushes allowed before a lead is left
	// in the terminal failed state. Default: 3.
	MaxAttempts int

	// Retry configures the per-item retry within a run.
	Retry resilience.RetryConfig
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// RunResult summarizes one sync pass.
type RunResult struct {
	Attempted int
	Synced    int
	Failed    int
	// Aborted is true when the run stopped early because the CRM was
	// unreachable; the untouched leads stay pending for the next run.
	Aborted bool
}

// Scheduler pushes pending verified leads to the CRM. Runs are serialized by
// construction: Run is a single loop and a new pass never starts while the
// previous one is in flight.
type Scheduler struct {
	store   store.Store
	crm     CRM
	cfg     SchedulerConfig
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewScheduler creates a sync scheduler.
func NewScheduler(st store.Store, crm CRM, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:   st,
		crm:     crm,
		cfg:     cfg.withDefaults(),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{}),
		log:     zap.L().With(zap.String("component", "crmsync")),
	}
}

// Run starts the periodic loop. It blocks until ctx is cancelled and never
// returns an error: sync failures are recorded per lead and retried on the
// next interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("starting crm sync scheduler",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("crm sync scheduler stopped")
			return
		case <-ticker.C:
			res := s.RunOnce(ctx)
			if res.Attempted > 0 || res.Aborted {
				s.log.Info("sync run complete",
					zap.Int("attempted", res.Attempted),
					zap.Int("synced", res.Synced),
					zap.Int("failed", res.Failed),
					zap.Bool("aborted", res.Aborted),
				)
			}
		}
	}
}

// RunOnce executes a single sync pass: fetch pending verified leads, push
// each through retry and the circuit breaker, record the outcome per lead.
// An open circuit (CRM unreachable) aborts the remainder of the pass,
// leaving those leads pending.
func (s *Scheduler) RunOnce(ctx context.Context) RunResult {
	var res RunResult

	leads, err := s.store.ListPendingSync(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("failed to list pending leads", zap.Error(err))
		return res
	}
	if len(leads) == 0 {
		return res
	}

	// Store transitions survive shutdown so a pushed lead is never left
	// pending after the CRM accepted it.
	markCtx := context.WithoutCancel(ctx)

	for _, lead := range leads {
		if ctx.Err() != nil {
			res.Aborted = true
			return res
		}
		if err := s.breaker.Allow(); err != nil {
			s.log.Warn("crm unreachable, aborting run",
				zap.Int("remaining", len(leads)-res.Attempted))
			res.Aborted = true
			return res
		}

		res.Attempted++
		pushErr := resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
			return s.crm.UpsertLead(ctx, lead)
		})
		if pushErr != nil && ctx.Err() != nil {
			// Shutdown interrupted the push; the CRM did not fail, so the
			// lead keeps its retry budget and stays pending.
			res.Aborted = true
			return res
		}
		s.breaker.Record(pushErr)

		if pushErr == nil {
			if err := s.store.MarkSynced(markCtx, lead.Identity); err != nil {
				// The row may have been re-enriched mid-push; the reset
				// pending state wins.
				s.log.Warn("mark synced skipped",
					zap.String("identity", lead.Identity), zap.Error(err))
				continue
			}
			res.Synced++
			continue
		}

		res.Failed++
		s.log.Warn("crm push failed",
			zap.String("identity", lead.Identity),
			zap.Int("attempts_so_far", lead.SyncAttempts),
			zap.Error(pushErr),
		)
		if err := s.store.MarkSyncFailed(markCtx, lead.Identity, s.cfg.MaxAttempts); err != nil {
			s.log.Warn("mark sync failed skipped",
				zap.String("identity", lead.Identity), zap.Error(err))
		}
	}

	return res
}
