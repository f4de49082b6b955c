package scheduler

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/johndauphine/obs-harvest/internal/collection"
	"github.com/johndauphine/obs-harvest/internal/harvest"
)

// Activities exposes the orchestrator to Temporal workers.
type Activities struct {
	orch      *harvest.Orchestrator
	heartbeat time.Duration
}

// NewActivities creates activities backed by orch.
func NewActivities(orch *harvest.Orchestrator) *Activities {
	return &Activities{orch: orch, heartbeat: 15 * time.Second}
}

// Harvest runs one harvest. It heartbeats while the run is in progress so
// that a workflow cancellation reaches the run through ctx.
func (a *Activities) Harvest(ctx context.Context, input HarvestInput) (HarvestResult, error) {
	logger := activity.GetLogger(ctx)

	mode, err := collection.ParseMode(input.Mode)
	if err != nil {
		return HarvestResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
	}
	if err := collection.ValidateProvider(input.Provider); err != nil {
		return HarvestResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
	}
	logger.Info("starting harvest", "provider", input.Provider, "mode", mode, "resume", input.Resume)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(a.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, input.Provider)
			}
		}
	}()

	run := a.orch.RunWithOptions(ctx, input.Provider, mode, harvest.Options{Resume: input.Resume})
	close(stop)

	result := HarvestResult{
		RunID:    run.ID,
		Provider: run.Provider,
		Mode:     string(run.Mode),
		Status:   string(run.Status),
		Count:    run.Count,
		Failed:   run.Failed,
		Rejected: run.Rejected(),
		Error:    run.Error,
	}
	if run.Status == harvest.Canceled && ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}
