package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tender-pipeline/internal/domain/tender"
	"tender-pipeline/internal/platform/ai"
)

// reaperGrace is added on top of ai.PollBudget before a PENDING
// AICheck is considered abandoned, to avoid racing an AI call that is
// still legitimately polling.
const reaperGrace = 60 * time.Second

// SchedulerStore is the narrow repository slice the scheduler needs.
type SchedulerStore interface {
	StaleExternalIDs(ctx context.Context, before time.Time) ([]string, error)
	StaleAIChecks(ctx context.Context, before time.Time) ([]tender.AICheck, error)
	UpdateAICheck(ctx context.Context, check tender.AICheck) error
	UpdateState(ctx context.Context, tenderID int64, state tender.State) error
}

// Scheduler drives the two cron sweeps named in SPEC_FULL.md's ambient
// scheduler addition: re-enqueueing tenders stuck mid-pipeline after a
// crash, and reaping AICheck rows abandoned mid-poll.
type Scheduler struct {
	cron       *cron.Cron
	store      SchedulerStore
	client     *asynq.Client
	staleAfter time.Duration
	log        *zap.Logger
}

// NewScheduler constructs a Scheduler. staleAfter bounds how long a
// tender may sit in a non-terminal state before the sweep re-enqueues it.
func NewScheduler(store SchedulerStore, client *asynq.Client, staleAfter time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{cron: cron.New(), store: store, client: client, staleAfter: staleAfter, log: log}
}

// Start registers the sweeps and starts the cron scheduler's goroutine.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@every 5m", s.sweepStaleTenders); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", s.reapStaleAIChecks); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweepStaleTenders() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := s.store.StaleExternalIDs(ctx, time.Now().Add(-s.staleAfter))
	if err != nil {
		s.log.Error("scheduler: list stale tenders failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		task, err := NewProcessTenderTask(id, "")
		if err != nil {
			s.log.Error("scheduler: build re-enqueue task failed", zap.String("tender_id", id), zap.Error(err))
			continue
		}
		if _, err := s.client.EnqueueContext(ctx, task); err != nil {
			s.log.Error("scheduler: re-enqueue stale tender failed", zap.String("tender_id", id), zap.Error(err))
			continue
		}
		s.log.Info("scheduler: re-enqueued stale tender", zap.String("tender_id", id))
	}
}

// reapStaleAIChecks marks PENDING AICheck rows whose poll window has
// long since passed as TIMEOUT and drops the owning tender straight to
// REJECTED_AI, without alerting (AI timeouts are an expected outcome, per 4.F/4.K).
func (s *Scheduler) reapStaleAIChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checks, err := s.store.StaleAIChecks(ctx, time.Now().Add(-(ai.PollBudget + reaperGrace)))
	if err != nil {
		s.log.Error("scheduler: list stale ai checks failed", zap.Error(err))
		return
	}
	for _, check := range checks {
		check.Status = tender.AITimeout
		if err := s.store.UpdateAICheck(ctx, check); err != nil {
			s.log.Error("scheduler: mark ai check timeout failed", zap.Int64("ai_check_id", check.ID), zap.Error(err))
			continue
		}
		if err := s.store.UpdateState(ctx, check.TenderID, tender.StateRejectedAI); err != nil {
			s.log.Error("scheduler: reject stale ai tender failed", zap.Int64("tender_id", check.TenderID), zap.Error(err))
			continue
		}
		s.log.Info("scheduler: reaped abandoned ai check", zap.Int64("ai_check_id", check.ID), zap.Int64("tender_id", check.TenderID))
	}
}
