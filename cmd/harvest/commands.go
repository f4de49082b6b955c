package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johndauphine/obs-harvest/internal/checkpoint"
	"github.com/johndauphine/obs-harvest/internal/collection"
	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/exitcodes"
	"github.com/johndauphine/obs-harvest/internal/guard"
	"github.com/johndauphine/obs-harvest/internal/harvest"
	"github.com/johndauphine/obs-harvest/internal/logging"
	"github.com/johndauphine/obs-harvest/internal/notify"
	"github.com/johndauphine/obs-harvest/internal/progress"
	"github.com/johndauphine/obs-harvest/internal/scheduler"
	"github.com/johndauphine/obs-harvest/internal/source"
	"github.com/johndauphine/obs-harvest/internal/store"
	"github.com/johndauphine/obs-harvest/internal/tui"
	"github.com/urfave/cli/v2"
)

// harvestEnv holds what the harvest commands share.
type harvestEnv struct {
	cfg   *config.Config
	store store.Store
	state checkpoint.StateBackend
	orch  *harvest.Orchestrator
}

func (r *harvestEnv) Close() {
	if r.orch != nil {
		r.orch.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
	if r.state != nil {
		r.state.Close()
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, exitcodes.NewExitError(fmt.Errorf("configuration file not found: %s", configPath), exitcodes.ConfigError)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	return cfg, nil
}

// getStateFile returns the state file path, checking command-level and
// global flags.
func getStateFile(c *cli.Context) string {
	for _, ctx := range c.Lineage() {
		if ctx == nil {
			continue
		}
		if sf := ctx.String("state-file"); sf != "" {
			return sf
		}
	}
	return ""
}

func openState(c *cli.Context, cfg *config.Config) (checkpoint.StateBackend, error) {
	state, err := checkpoint.Open(cfg.Harvest.DataDir, getStateFile(c))
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.StateError)
	}
	return state, nil
}

// setup loads config, run history, the store and an orchestrator.
func setup(ctx context.Context, c *cli.Context) (*harvestEnv, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	rt := &harvestEnv{cfg: cfg}
	if rt.state, err = openState(c, cfg); err != nil {
		return nil, err
	}
	if rt.store, err = store.Open(ctx, cfg); err != nil {
		rt.Close()
		return nil, exitcodes.NewExitError(fmt.Errorf("connecting to %s store: %w", cfg.Store.Type, err), exitcodes.StoreError)
	}
	rt.orch, err = harvest.New(cfg, harvest.Deps{
		Store:    rt.store,
		Guard:    guard.New(),
		State:    rt.state,
		Notifier: notify.New(&cfg.Slack),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Finishing the current chunk...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func selectProviders(c *cli.Context, cfg *config.Config) ([]string, error) {
	providers := c.StringSlice("provider")
	if c.Bool("all") {
		providers = cfg.ProviderNames()
	}
	if len(providers) == 0 {
		// Only run insists on an explicit selection.
		if c.Command.Name == "run" {
			return nil, exitcodes.NewExitError(errors.New("specify --provider or --all"), exitcodes.ConfigError)
		}
		providers = cfg.ProviderNames()
	}
	for _, p := range providers {
		if _, err := cfg.Provider(p); err != nil {
			return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
		}
	}
	return providers, nil
}

func jsonOutput(c *cli.Context) bool {
	return c.Bool("output-json") || c.String("output-file") != ""
}

// attachProgress draws a bar on a terminal and emits JSON lines otherwise.
func attachProgress(c *cli.Context, orch *harvest.Orchestrator) func() {
	if !jsonOutput(c) && progress.Interactive() {
		tracker := progress.New(0)
		orch.OnProgress(func(p harvest.Progress) {
			switch p.Phase {
			case harvest.PhasePreparing:
				tracker.StartProvider(p.Provider)
			case harvest.PhaseHarvesting:
				tracker.Add(p.Delta)
			case harvest.PhaseDone:
				tracker.EndProvider(p.Provider)
			}
		})
		return tracker.Finish
	}

	reporter := progress.NewJSONReporter(os.Stderr, 5*time.Second)
	orch.OnProgress(func(p harvest.Progress) {
		u := progress.Update{
			Timestamp:        time.Now().UTC().Format(time.RFC3339),
			RunID:            p.RunID,
			Provider:         p.Provider,
			Mode:             string(p.Mode),
			Phase:            p.Phase,
			RecordsHarvested: p.Count,
			RecordsFailed:    p.Failed,
			Pages:            p.Pages,
			Watermark:        p.Watermark.String(),
		}
		if p.Phase == harvest.PhaseHarvesting {
			reporter.Report(u)
		} else {
			reporter.ReportImmediate(u)
		}
	})
	return reporter.Close
}

func runHarvest(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	providers, err := selectProviders(c, rt.cfg)
	if err != nil {
		return err
	}
	mode, err := collection.ParseMode(c.String("mode"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	logging.Info("Harvesting %d provider(s) in %s mode", len(providers), mode)
	finish := attachProgress(c, rt.orch)
	opts := harvest.Options{Resume: c.Bool("resume"), RunID: c.String("run-id")}
	var runs []*harvest.Run
	if len(providers) == 1 {
		runs = []*harvest.Run{rt.orch.RunWithOptions(ctx, providers[0], mode, opts)}
	} else {
		runs = rt.orch.RunAll(ctx, providers, mode, opts)
	}
	finish()

	if jsonOutput(c) {
		var result any = runs
		if len(runs) == 1 {
			result = runs[0]
		}
		if err := outputJSON(c, result); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}

	// The highest exit code across providers wins.
	var worst *harvest.Run
	code := exitcodes.Success
	for _, r := range runs {
		if rc := exitcodes.FromStatus(string(r.Status), r.Rejected()); rc > code {
			worst, code = r, rc
		}
	}
	if worst == nil {
		return nil
	}
	return exitcodes.NewExitError(fmt.Errorf("%s harvest %s %s: %v", worst.Provider, worst.ID, worst.Status, worst.Err()), code)
}

func checkProviders(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	providers, err := selectProviders(c, rt.cfg)
	if err != nil {
		return err
	}
	mode, err := collection.ParseMode(c.String("mode"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	results := rt.orch.Check(ctx, providers, mode)
	if jsonOutput(c) {
		if err := outputJSON(c, results); err != nil {
			return err
		}
	} else {
		fmt.Printf("Store: %s\n", rt.store.Kind())
		if ps, ok := rt.store.(store.PoolStatter); ok {
			fmt.Printf("Pool:  %s\n", ps.PoolStats())
		}
		fmt.Println()
		for _, r := range results {
			if r.SourceOK {
				fmt.Printf("%-16s source OK   %s %s (by %s, %dms)\n", r.Provider, r.Source.Kind, r.Source.Endpoint, r.Source.Cursor, r.LatencyMs)
			} else {
				fmt.Printf("%-16s source FAIL %s\n", r.Provider, r.SourceError)
			}
			switch {
			case r.EvaluateError != "":
				fmt.Printf("%-16s cutover    error: %s\n", "", r.EvaluateError)
			case r.Decision == nil:
				fmt.Printf("%-16s cutover    no %s staging\n", "", mode)
			case r.Decision.Accepted:
				fmt.Printf("%-16s cutover    would accept: %s\n", "", r.Decision.Reason())
			default:
				fmt.Printf("%-16s cutover    would reject: %s\n", "", r.Decision.Reason())
			}
		}
	}

	for _, r := range results {
		if !r.SourceOK {
			return exitcodes.NewExitError(fmt.Errorf("source check failed for %s: %s", r.Provider, r.SourceError), exitcodes.StoreError)
		}
	}
	return nil
}

func showCollections(c *cli.Context) error {
	ctx := context.Background()
	rt, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	providers, err := selectProviders(c, rt.cfg)
	if err != nil {
		return err
	}
	infos, err := rt.orch.Collections(ctx, providers)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StoreError)
	}
	if jsonOutput(c) {
		return outputJSON(c, infos)
	}

	fmt.Printf("%-36s %-8s %12s  %s\n", "Collection", "Exists", "Records", "Watermark")
	for _, info := range infos {
		flag := ""
		if info.InFlight {
			flag = " (harvesting)"
		}
		fmt.Printf("%-36s %-8v %12d%s\n", info.Primary, info.PrimaryExists, info.PrimaryCount, flag)
		for _, s := range info.Stagings {
			fmt.Printf("  %-34s %-8v %12d  %s\n", s.Name, s.Exists, s.Count, s.Watermark)
		}
	}
	return nil
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	state, err := openState(c, cfg)
	if err != nil {
		return err
	}
	defer state.Close()

	if jsonOutput(c) {
		active, err := state.GetActiveRuns()
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
		return outputJSON(c, active)
	}
	return harvest.ShowStatus(os.Stdout, state, cfg.ProviderNames())
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	state, err := openState(c, cfg)
	if err != nil {
		return err
	}
	defer state.Close()

	if runID := c.String("run"); runID != "" {
		run, err := state.GetRun(runID)
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
		if run == nil {
			return exitcodes.NewExitError(fmt.Errorf("run not found: %s", runID), exitcodes.StateError)
		}
		return printRun(c, run)
	}

	if jsonOutput(c) {
		runs, err := state.GetAllRuns(c.Int("limit"))
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
		return outputJSON(c, runs)
	}
	return harvest.ShowHistory(os.Stdout, state, c.Int("limit"))
}

func printRun(c *cli.Context, r *checkpoint.Run) error {
	if jsonOutput(c) {
		return outputJSON(c, r)
	}
	fmt.Printf("Run ID:      %s\n", r.ID)
	fmt.Printf("Provider:    %s (%s)\n", r.Provider, r.Mode)
	fmt.Printf("Status:      %s\n", r.Status)
	fmt.Printf("Started:     %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if r.CompletedAt != nil {
		fmt.Printf("Completed:   %s (%s)\n", r.CompletedAt.Local().Format("2006-01-02 15:04:05"), r.Duration())
	}
	fmt.Printf("Records:     %d written, %d failed in %d batches\n", r.Count, r.Failed, r.FailedBatches)
	fmt.Printf("Watermark:   %s\n", r.Watermark)
	if r.PrimaryCount > 0 || r.StagingCount > 0 {
		verdict := "accepted"
		if r.Rejected {
			verdict = "rejected"
		}
		fmt.Printf("Cutover:     %s (staging %d, primary %d)\n", verdict, r.StagingCount, r.PrimaryCount)
	}
	fmt.Printf("Config hash: %s\n", r.ConfigHash)
	if r.Error != "" {
		fmt.Printf("Error:       %s\n", r.Error)
	}
	return nil
}

func cleanupHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	state, err := openState(c, cfg)
	if err != nil {
		return err
	}
	defer state.Close()

	n, err := state.CleanupOldRuns(c.Duration("older-than"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	fmt.Printf("Deleted %d runs\n", n)
	return nil
}

func startDashboard(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	state, err := openState(c, cfg)
	if err != nil {
		return err
	}
	defer state.Close()
	return tui.Start(state, c.Int("limit"))
}

func runWorker(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	return scheduler.Serve(ctx, rt.cfg.Temporal, rt.orch)
}

func triggerWorkflow(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	provider := c.String("provider")
	if _, err := cfg.Provider(provider); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	mode, err := collection.ParseMode(c.String("mode"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := scheduler.Trigger(ctx, cfg.Temporal, scheduler.HarvestInput{
		Provider: provider,
		Mode:     string(mode),
		Resume:   c.Bool("resume"),
	}, c.Bool("wait"))
	if jsonOutput(c) && result.Provider != "" {
		if outErr := outputJSON(c, result); outErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", outErr)
		}
	}
	if err != nil {
		if result.Status != "" {
			return exitcodes.NewExitError(err, exitcodes.FromStatus(result.Status, result.Rejected))
		}
		return err
	}
	if !jsonOutput(c) {
		fmt.Printf("%s %s harvest: %s (%d records)\n", result.Provider, result.Mode, result.Status, result.Count)
	}
	return nil
}

func listProviders(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Printf("%-16s %-10s %-10s %-10s %s\n", "Provider", "Source", "Page", "MinRatio", "Collection")
	for _, p := range cfg.Providers {
		fmt.Printf("%-16s %-10s %-10d %-10.2f %s\n", p.Name, p.Source.Type, p.PageSize, p.Ratio(), collection.Primary(p.Name))
	}
	fmt.Printf("\nSource types: %v\n", source.Available())
	fmt.Printf("Store types:  %v\n", store.Available())
	return nil
}

// outputJSON writes v as JSON to stdout and/or a file
func outputJSON(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}

	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	return nil
}
