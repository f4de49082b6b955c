// Package scheduler runs harvests as Temporal workflows so a cluster-wide
// schedule can trigger them. The workflow is a thin shell around one
// activity; the orchestrator still owns retries, cutover and history.
package scheduler

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// HarvestWorkflowName is the registered workflow type.
const HarvestWorkflowName = "harvestWorkflow"

// Application error types returned by the workflow.
const (
	ErrTypeInvalidInput     = "INVALID_INPUT"
	ErrTypeHarvestFailed    = "HARVEST_FAILED"
	ErrTypeCutoverRejected  = "CUTOVER_REJECTED"
	ErrTypeHarvestCancelled = "HARVEST_CANCELED"
)

// HarvestInput is the input for HarvestWorkflow.
type HarvestInput struct {
	Provider string `json:"provider"`
	Mode     string `json:"mode"`
	Resume   bool   `json:"resume,omitempty"`
}

// HarvestResult summarizes the run an activity performed.
type HarvestResult struct {
	RunID    string `json:"runId"`
	Provider string `json:"provider"`
	Mode     string `json:"mode"`
	Status   string `json:"status"`
	Count    int64  `json:"count"`
	Failed   int64  `json:"failed,omitempty"`
	Rejected bool   `json:"rejected,omitempty"`
	Error    string `json:"error,omitempty"`
}

// The orchestrator retries throttled fetches and overloaded writes itself,
// so Temporal does not retry the activity. The next scheduled run is the retry.
var harvestActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 12 * time.Hour,
	HeartbeatTimeout:    2 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		MaximumAttempts: 1,
	},
}

// HarvestWorkflow runs one harvest of one provider.
func HarvestWorkflow(ctx workflow.Context, input HarvestInput) (HarvestResult, error) {
	logger := workflow.GetLogger(ctx)
	if input.Provider == "" {
		return HarvestResult{}, temporal.NewApplicationError("provider is required", ErrTypeInvalidInput)
	}
	if input.Mode == "" {
		input.Mode = "incremental"
	}

	actCtx := workflow.WithActivityOptions(ctx, harvestActivityOptions)
	var a *Activities
	var result HarvestResult
	if err := workflow.ExecuteActivity(actCtx, a.Harvest, input).Get(ctx, &result); err != nil {
		return result, err
	}
	logger.Info("harvest finished", "provider", result.Provider, "runId", result.RunID, "status", result.Status, "count", result.Count)

	switch {
	case result.Status == "success":
		return result, nil
	case result.Rejected:
		return result, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("cutover rejected for %s: %s", result.Provider, result.Error), ErrTypeCutoverRejected, nil, result)
	case result.Status == "canceled":
		return result, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("harvest of %s canceled", result.Provider), ErrTypeHarvestCancelled, nil, result)
	default:
		return result, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("harvest of %s failed: %s", result.Provider, result.Error), ErrTypeHarvestFailed, nil, result)
	}
}
