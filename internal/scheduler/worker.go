package scheduler

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/harvest"
	"github.com/johndauphine/obs-harvest/internal/logging"
)

func dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// Register adds the harvest workflow and activities to w.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflowWithOptions(HarvestWorkflow, workflow.RegisterOptions{Name: HarvestWorkflowName})
	w.RegisterActivity(acts)
}

// Serve runs a worker on cfg.TaskQueue until ctx ends.
func Serve(ctx context.Context, cfg config.TemporalConfig, orch *harvest.Orchestrator) error {
	c, err := dial(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	Register(w, NewActivities(orch))

	logging.Info("Temporal worker: address=%s namespace=%s queue=%s", cfg.HostPort, cfg.Namespace, cfg.TaskQueue)

	stop := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	if err := w.Run(stop); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}

// WorkflowID is the Temporal workflow ID used for a provider. Using one ID
// per provider lets Temporal refuse a second concurrent start.
func WorkflowID(provider string) string {
	return "harvest-" + provider
}

// Trigger starts HarvestWorkflow for input and, when wait is set, blocks
// until it completes.
func Trigger(ctx context.Context, cfg config.TemporalConfig, input HarvestInput, wait bool) (HarvestResult, error) {
	c, err := dial(cfg)
	if err != nil {
		return HarvestResult{}, err
	}
	defer c.Close()

	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(input.Provider),
		TaskQueue: cfg.TaskQueue,
	}, HarvestWorkflowName, input)
	if err != nil {
		return HarvestResult{}, fmt.Errorf("starting workflow: %w", err)
	}
	logging.Info("Started workflow %s (run %s)", run.GetID(), run.GetRunID())
	if !wait {
		return HarvestResult{Provider: input.Provider, Mode: input.Mode, Status: "running"}, nil
	}

	var result HarvestResult
	err = run.Get(ctx, &result)
	return result, err
}
