package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/stemforge/api/internal/recovery"
)

// TaskTypeSweep is the periodic recovery sweep task. The sweep is the
// scheduled half of recovery; the other half fires on client status polls.
const TaskTypeSweep = "recovery:sweep"

// RecoveryWorker runs scheduled recovery sweeps.
type RecoveryWorker struct {
	engine *recovery.Engine
}

func NewRecoveryWorker(engine *recovery.Engine) *RecoveryWorker {
	return &RecoveryWorker{engine: engine}
}

// ProcessTask handles one sweep invocation.
func (w *RecoveryWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	result, err := w.engine.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}
	if result.Stale > 0 {
		log.Printf("[worker] sweep recovered %d stale job(s): retried=%d fallback=%d failed=%d",
			result.Stale, result.Retried, result.Fallback, result.Failed)
	}
	return nil
}

// NewSweepTask creates the task registered with the scheduler.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSweep, nil)
}
