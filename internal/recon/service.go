package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/gstforge/gstforge/internal/observability"
	"github.com/gstforge/gstforge/internal/tax"
)

// RunLockKey builds the redis key guarding one period's run critical
// section.
func RunLockKey(period string) string {
	return fmt.Sprintf("recon:period:%s:lock", period)
}

// RunEnqueuer hands a triggered run to the background worker.
type RunEnqueuer interface {
	EnqueueReconRun(ctx context.Context, runID, period string) error
}

// Service owns the run lifecycle: it creates run rows, executes runs via
// the orchestrator, and persists results through the repository.
type Service struct {
	repo     Repository
	orch     *Orchestrator
	locks    *redis.Client
	enqueuer RunEnqueuer
	logger   *slog.Logger
	metrics  *observability.Metrics
	lockTTL  time.Duration

	summaryGroup singleflight.Group
}

// ServiceConfig collects optional service tuning.
type ServiceConfig struct {
	// LockTTL bounds how long a crashed worker can hold a period lock.
	LockTTL time.Duration
}

// NewService constructs the reconciliation service. locks may be nil in
// tests that do not exercise concurrency guards.
func NewService(repo Repository, orch *Orchestrator, locks *redis.Client, logger *slog.Logger, metrics *observability.Metrics, cfg ServiceConfig) *Service {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{
		repo:    repo,
		orch:    orch,
		locks:   locks,
		logger:  logger,
		metrics: metrics,
		lockTTL: ttl,
	}
}

// SetEnqueuer injects the background job client. Wired separately from
// the constructor because the jobs package depends on this one.
func (s *Service) SetEnqueuer(e RunEnqueuer) { s.enqueuer = e }

// TriggerRun creates a Pending run for the period and enqueues it for
// the worker.
func (s *Service) TriggerRun(ctx context.Context, period string) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		Period:    period,
		State:     RunPending,
		CreatedAt: time.Now().UTC(),
	}
	run.UpdatedAt = run.CreatedAt
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return Run{}, err
	}
	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueReconRun(ctx, run.ID, period); err != nil {
			return Run{}, fmt.Errorf("recon: enqueue run: %w", err)
		}
	}
	s.logger.Info("reconciliation run triggered",
		slog.String("run_id", run.ID), slog.String("period", period))
	return run, nil
}

// ExecuteRun loads the period's inputs, runs the orchestrator, and
// persists the outcome. A redis lock collapses concurrent triggers of
// the same period; the loser returns ErrRunInProgress and the run stays
// Pending for a later retry.
func (s *Service) ExecuteRun(ctx context.Context, runID string) error {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	unlock, err := s.acquireLock(ctx, run.Period)
	if err != nil {
		return err
	}
	defer unlock()

	started := time.Now()
	result, err := s.executeLocked(ctx, run)
	if s.metrics != nil {
		s.metrics.ObserveRun(runOutcome(err), time.Since(started))
		if result != nil {
			s.metrics.CountMatches(matchCounts(result.Matches))
		}
	}
	return err
}

func (s *Service) executeLocked(ctx context.Context, run Run) (*RunResult, error) {
	invoices, err := s.repo.ListInvoices(ctx, run.Period)
	if err != nil {
		return nil, s.failRun(ctx, run, err)
	}
	records, err := s.repo.ListGSTR2BRecords(ctx, run.Period)
	if err != nil {
		return nil, s.failRun(ctx, run, err)
	}
	source, err := s.repo.ListSourceStatus(ctx, run.Period)
	if err != nil {
		return nil, s.failRun(ctx, run, err)
	}

	if err := s.repo.UpdateRunState(ctx, run.ID, RunMatching, nil); err != nil {
		return nil, err
	}

	result, err := s.orch.RunReconciliation(ctx, RunInput{
		RunID:        run.ID,
		Period:       run.Period,
		Invoices:     invoices,
		Records:      records,
		SourceStatus: source,
	})
	if err != nil {
		if errors.Is(err, ErrRunCancelled) {
			// Cancelled runs publish nothing; the state row records the
			// cancellation so the caller knows to re-invoke.
			_ = s.repo.UpdateRunState(ctx, run.ID, RunCancelled, nil)
			return nil, err
		}
		return nil, s.failRun(ctx, run, err)
	}

	if err := s.repo.SaveRunResult(ctx, result); err != nil {
		return nil, s.failRun(ctx, run, err)
	}
	s.logger.Info("reconciliation run completed",
		slog.String("run_id", run.ID),
		slog.String("period", run.Period),
		slog.Int("matches", len(result.Matches)),
		slog.Int("data_errors", len(result.DataErrors)),
		slog.Int("warnings", len(result.Warnings)),
	)
	return result, nil
}

func (s *Service) failRun(ctx context.Context, run Run, cause error) error {
	s.logger.Error("reconciliation run failed",
		slog.String("run_id", run.ID), slog.Any("error", cause))
	if err := s.repo.UpdateRunState(ctx, run.ID, RunFailed, []string{cause.Error()}); err != nil {
		s.logger.Error("mark run failed", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	return cause
}

func (s *Service) acquireLock(ctx context.Context, period string) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	key := RunLockKey(period)
	ok, err := s.locks.SetNX(ctx, key, "1", s.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("recon: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	return func() {
		if err := s.locks.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
			s.logger.Warn("release run lock", slog.String("period", period), slog.Any("error", err))
		}
	}, nil
}

// GetRun returns the run row.
func (s *Service) GetRun(ctx context.Context, runID string) (Run, error) {
	return s.repo.GetRun(ctx, runID)
}

// GetSummary returns a completed run's summary. Concurrent reads of the
// same run collapse into one repository query.
func (s *Service) GetSummary(ctx context.Context, runID string) (ReconciliationSummary, error) {
	v, err, _ := s.summaryGroup.Do(runID, func() (any, error) {
		return s.repo.GetSummary(ctx, runID)
	})
	if err != nil {
		return ReconciliationSummary{}, err
	}
	return v.(ReconciliationSummary), nil
}

// ListMatchRecords returns a run's match records ordered by invoice id.
func (s *Service) ListMatchRecords(ctx context.Context, runID string) ([]ITCMatchRecord, error) {
	return s.repo.ListMatchRecords(ctx, runID)
}

// NextVersion returns the version a recomputed invoice must carry.
// Invoices included in a completed (filed) run are immutable; an edit
// creates the next version instead of mutating the filed one.
func (s *Service) NextVersion(ctx context.Context, inv tax.Invoice) (int, error) {
	filed, err := s.repo.InvoiceFiledVersion(ctx, inv.ID)
	if err != nil {
		return 0, err
	}
	if inv.Version <= filed {
		return filed + 1, nil
	}
	return inv.Version, nil
}

func runOutcome(err error) string {
	switch {
	case err == nil:
		return string(RunCompleted)
	case errors.Is(err, ErrRunCancelled):
		return string(RunCancelled)
	case errors.Is(err, ErrRunInProgress):
		return "LOCKED"
	default:
		return string(RunFailed)
	}
}

func matchCounts(matches []ITCMatchRecord) map[string]int {
	counts := make(map[string]int, 4)
	for _, m := range matches {
		counts[string(m.Status)]++
	}
	return counts
}
