package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/gstforge/gstforge/internal/recon"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeReconRun executes one reconciliation run.
	TaskTypeReconRun = "recon:run"
)

// ReconRunPayload identifies the reconciliation run to execute.
type ReconRunPayload struct {
	RunID  string `json:"run_id"`
	Period string `json:"period"`
}

// NewReconRunTask constructs an Asynq task for a reconciliation run.
func NewReconRunTask(payload ReconRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeReconRun, data), nil
}

// NewReconRunHandler processes TaskTypeReconRun tasks. A run already
// holding the period lock is retried later by asynq; malformed payloads
// are dropped.
func NewReconRunHandler(svc *recon.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReconRunPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logger.Error("recon run task: bad payload", slog.Any("error", err))
			return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
		}
		if err := svc.ExecuteRun(ctx, payload.RunID); err != nil {
			if errors.Is(err, recon.ErrRunNotFound) {
				logger.Warn("recon run task: unknown run", slog.String("run_id", payload.RunID))
				return fmt.Errorf("run %s not found: %w", payload.RunID, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}
