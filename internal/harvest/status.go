package harvest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/johndauphine/obs-harvest/internal/checkpoint"
	"github.com/johndauphine/obs-harvest/internal/collection"
	"github.com/johndauphine/obs-harvest/internal/cutover"
	"github.com/johndauphine/obs-harvest/internal/source"
)

// StagingInfo describes one staging collection.
type StagingInfo struct {
	Mode      collection.Mode `json:"mode"`
	Name      string          `json:"name"`
	Exists    bool            `json:"exists"`
	Count     int64           `json:"count"`
	Watermark string          `json:"watermark"`
}

// CollectionInfo describes a provider's collections in the store.
type CollectionInfo struct {
	Provider      string        `json:"provider"`
	Primary       string        `json:"primary"`
	PrimaryExists bool          `json:"primary_exists"`
	PrimaryCount  int64         `json:"primary_count"`
	Stagings      []StagingInfo `json:"stagings"`
	InFlight      bool          `json:"in_flight"`
}

// Collections reports the primary and staging collections of providers.
func (o *Orchestrator) Collections(ctx context.Context, providers []string) ([]CollectionInfo, error) {
	var out []CollectionInfo
	for _, p := range providers {
		info := CollectionInfo{Provider: p, Primary: collection.Primary(p), InFlight: o.guard.InFlight(p)}
		var err error
		if info.PrimaryExists, err = o.store.Exists(ctx, info.Primary); err != nil {
			return nil, err
		}
		if info.PrimaryCount, err = o.store.Count(ctx, info.Primary); err != nil {
			return nil, err
		}
		for _, mode := range []collection.Mode{collection.Full, collection.Incremental} {
			names, err := collection.For(p, mode)
			if err != nil {
				return nil, err
			}
			wm, err := o.resolver.Resolve(ctx, names.Staging)
			if err != nil {
				return nil, err
			}
			st := StagingInfo{Mode: mode, Name: names.Staging, Exists: wm.Exists, Watermark: wm.String()}
			if wm.Exists {
				if st.Count, err = o.store.Count(ctx, names.Staging); err != nil {
					return nil, err
				}
			}
			info.Stagings = append(info.Stagings, st)
		}
		out = append(out, info)
	}
	return out, nil
}

// CheckResult is the dry-run view of a provider: whether its source answers
// and what a cutover of its current staging would decide.
type CheckResult struct {
	Provider      string            `json:"provider"`
	Mode          collection.Mode   `json:"mode"`
	Source        source.Metadata   `json:"source"`
	SourceOK      bool              `json:"source_ok"`
	SourceError   string            `json:"source_error,omitempty"`
	LatencyMs     int64             `json:"latency_ms"`
	StagingExists bool              `json:"staging_exists"`
	Decision      *cutover.Decision `json:"decision,omitempty"`
	EvaluateError string            `json:"evaluate_error,omitempty"`
}

// Check probes providers in parallel. Each check gets its own timeout so one
// slow source does not starve the others.
func (o *Orchestrator) Check(ctx context.Context, providers []string, mode collection.Mode) []CheckResult {
	const checkTimeout = 30 * time.Second

	results := make([]CheckResult, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			results[i] = o.check(checkCtx, p, mode)
		}(i, p)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) check(ctx context.Context, provider string, mode collection.Mode) CheckResult {
	res := CheckResult{Provider: provider, Mode: mode}

	start := time.Now()
	md, err := o.metadata.Get(ctx, provider)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.SourceError = err.Error()
	} else {
		res.Source, res.SourceOK = md, true
	}

	names, err := collection.For(provider, mode)
	if err != nil {
		res.EvaluateError = err.Error()
		return res
	}
	if res.StagingExists, err = o.store.Exists(ctx, names.Staging); err != nil {
		res.EvaluateError = err.Error()
		return res
	}
	if !res.StagingExists {
		return res
	}
	minRatio := cutover.DefaultMinRatio
	if pc, err := o.cfg.Provider(provider); err == nil {
		minRatio = pc.Ratio()
	}
	d, err := o.cutover.Evaluate(ctx, provider, names.Primary, names.Staging, minRatio)
	if err != nil {
		res.EvaluateError = err.Error()
		return res
	}
	res.Decision = &d
	return res
}

// ShowStatus prints the active runs and each provider's latest run.
func ShowStatus(w io.Writer, state checkpoint.StateBackend, providers []string) error {
	active, err := state.GetActiveRuns()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		fmt.Fprintln(w, "No active harvest")
	}
	for _, r := range active {
		fmt.Fprintf(w, "Run: %s  %s/%s  running for %s, %d records so far (watermark %s)\n",
			r.ID, r.Provider, r.Mode, r.Duration(), r.Count, r.Watermark)
	}

	fmt.Fprintln(w)
	for _, p := range providers {
		last, err := state.GetLastRun(p)
		if err != nil {
			return err
		}
		if last == nil {
			fmt.Fprintf(w, "%-20s never harvested\n", p)
			continue
		}
		fmt.Fprintf(w, "%-20s %-10s %-12s %s  %d records\n",
			p, last.Status, last.Mode, last.StartedAt.Local().Format("2006-01-02 15:04:05"), last.Count)
		if last.Error != "" {
			fmt.Fprintf(w, "%-20s error: %s\n", "", last.Error)
		}
	}
	return nil
}

// ShowHistory prints up to limit runs, newest first.
func ShowHistory(w io.Writer, state checkpoint.StateBackend, limit int) error {
	runs, err := state.GetAllRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No harvest history")
		return nil
	}

	fmt.Fprintf(w, "%-10s %-16s %-12s %-10s %-20s %10s %10s\n",
		"RUN", "PROVIDER", "MODE", "STATUS", "STARTED", "RECORDS", "DURATION")
	for _, r := range runs {
		status := r.Status
		if r.Rejected {
			status = "rejected"
		}
		fmt.Fprintf(w, "%-10s %-16s %-12s %-10s %-20s %10d %10s\n",
			r.ID, r.Provider, r.Mode, status, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Count, r.Duration())
	}
	return nil
}
