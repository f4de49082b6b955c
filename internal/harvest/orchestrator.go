// Package harvest drives a provider's records from its source into a staging
// collection and promotes staging to primary when the harvest is complete.
package harvest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/obs-harvest/internal/batch"
	"github.com/johndauphine/obs-harvest/internal/checkpoint"
	"github.com/johndauphine/obs-harvest/internal/collection"
	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/cutover"
	"github.com/johndauphine/obs-harvest/internal/guard"
	"github.com/johndauphine/obs-harvest/internal/logging"
	"github.com/johndauphine/obs-harvest/internal/notify"
	"github.com/johndauphine/obs-harvest/internal/source"
	"github.com/johndauphine/obs-harvest/internal/store"
	"github.com/johndauphine/obs-harvest/internal/watermark"
)

// Deps are the collaborators of an Orchestrator. Store and Guard are required.
type Deps struct {
	Store store.Store
	// Guard is shared by everything in the process that may start a run.
	Guard    *guard.Guard
	State    checkpoint.StateBackend
	Notifier notify.Provider
	// Sources overrides clients per provider; others are opened from config.
	Sources map[string]source.Client
}

// Options tune a single run.
type Options struct {
	// Resume continues a full harvest from an existing full staging
	// collection instead of starting over.
	Resume bool
	// RunID overrides the generated run ID.
	RunID string
}

// Orchestrator runs harvests.
type Orchestrator struct {
	cfg      *config.Config
	store    store.Store
	writer   *batch.Writer
	cutover  *cutover.Manager
	resolver *watermark.Resolver
	guard    *guard.Guard
	state    checkpoint.StateBackend
	notifier notify.Provider
	metadata *guard.Cache[source.Metadata]
	progress func(Progress)

	mu      sync.Mutex
	sources map[string]source.Client
}

// New creates an orchestrator.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("harvest: store is required")
	}
	if deps.Guard == nil {
		return nil, errors.New("harvest: guard is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}

	o := &Orchestrator{
		cfg:   cfg,
		store: deps.Store,
		writer: batch.New(deps.Store, batch.Config{
			BatchSize:    cfg.Harvest.BatchSize,
			MinSplitSize: cfg.Harvest.MinSplitSize,
		}),
		cutover:  cutover.NewManager(deps.Store),
		resolver: watermark.NewResolver(deps.Store),
		guard:    deps.Guard,
		state:    deps.State,
		notifier: deps.Notifier,
		sources:  make(map[string]source.Client),
	}
	for name, c := range deps.Sources {
		o.sources[name] = c
	}
	o.metadata = guard.NewCache(func(ctx context.Context, provider string) (source.Metadata, error) {
		c, err := o.client(provider)
		if err != nil {
			return source.Metadata{}, err
		}
		return c.Describe(ctx)
	})
	return o, nil
}

// OnProgress registers a callback invoked after every written chunk. It may
// be called from several goroutines when providers run in parallel.
func (o *Orchestrator) OnProgress(fn func(Progress)) {
	o.progress = fn
}

// Close releases the source clients. The store and state backend belong to
// the caller.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for name, c := range o.sources {
		if err := c.Close(); err != nil {
			logging.Warn("closing source %s: %v", name, err)
		}
	}
	o.sources = make(map[string]source.Client)
}

func (o *Orchestrator) client(provider string) (source.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.sources[provider]; ok {
		return c, nil
	}
	pc, err := o.cfg.Provider(provider)
	if err != nil {
		return nil, err
	}
	c, err := source.Open(*pc)
	if err != nil {
		return nil, err
	}
	o.sources[provider] = c
	return c, nil
}

// Metadata returns the provider's source description, loaded once.
func (o *Orchestrator) Metadata(ctx context.Context, provider string) (source.Metadata, error) {
	return o.metadata.Get(ctx, provider)
}

// Run harvests provider in mode. It never returns an error; failures are
// reported through the returned Run. A run already in progress for the same
// provider is joined rather than started again, and ctx ends the run at the
// next chunk boundary.
func (o *Orchestrator) Run(ctx context.Context, provider string, mode collection.Mode) *Run {
	return o.RunWithOptions(ctx, provider, mode, Options{})
}

// RunWithOptions is Run with per-run options.
func (o *Orchestrator) RunWithOptions(ctx context.Context, provider string, mode collection.Mode, opts Options) *Run {
	v, shared, err := o.guard.RunExclusive(ctx, provider, func() (any, error) {
		return o.execute(ctx, provider, mode, opts), nil
	})
	if err != nil {
		// Only a waiter whose own context ended gets here.
		r := &Run{Provider: provider, Mode: mode, StartedAt: time.Now(), EndedAt: time.Now()}
		r.cancel(err)
		return r
	}
	if shared {
		logging.ForProvider(provider).Info("joined harvest already in progress")
	}
	return v.(*Run)
}

// RunAll harvests providers in parallel and returns their runs in order.
func (o *Orchestrator) RunAll(ctx context.Context, providers []string, mode collection.Mode, opts Options) []*Run {
	runs := make([]*Run, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			runOpts := opts
			runOpts.RunID = ""
			runs[i] = o.RunWithOptions(ctx, p, mode, runOpts)
		}(i, p)
	}
	wg.Wait()
	return runs
}

func (o *Orchestrator) execute(ctx context.Context, provider string, mode collection.Mode, opts Options) (run *Run) {
	run = &Run{
		ID:        opts.RunID,
		Provider:  provider,
		Mode:      mode,
		Status:    Running,
		StartedAt: time.Now(),
	}
	if run.ID == "" {
		run.ID = uuid.New().String()[:8]
	}
	log := logging.ForProvider(provider)
	hash := ""

	defer func() {
		if p := recover(); p != nil {
			log.Error("harvest panicked: %v", p)
			run.fail(fmt.Errorf("panic: %v", p))
		}
		run.EndedAt = time.Now()
		o.save(run, hash)
		o.notifyEnd(run)
		o.report(run, PhaseDone, 0)
		log.Info("harvest %s %s: %d records in %s", run.ID, run.Status, run.Count, run.Duration().Round(time.Millisecond))
		if ps, ok := o.store.(store.PoolStatter); ok && logging.IsDebug() {
			log.Debug("store pool %s", ps.PoolStats())
		}
	}()

	pc, err := o.cfg.Provider(provider)
	if err != nil {
		run.fail(err)
		return run
	}
	hash = configHash(pc)
	names, err := collection.For(provider, mode)
	if err != nil {
		run.fail(err)
		return run
	}
	run.Primary, run.Staging = names.Primary, names.Staging

	o.save(run, hash)
	if err := o.notifier.HarvestStarted(run.ID, provider, string(mode)); err != nil {
		log.Warn("start notification failed: %v", err)
	}
	log.Info("starting %s harvest %s into %s", mode, run.ID, names.Staging)

	if err := o.harvest(ctx, run, pc, names, opts, hash); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			log.Warn("harvest canceled after %d records; staging %s kept for resume", run.Count, names.Staging)
			run.cancel(err)
		} else {
			log.Error("harvest failed: %v", err)
			run.fail(err)
		}
		return run
	}
	return run
}

func (o *Orchestrator) harvest(ctx context.Context, run *Run, pc *config.ProviderConfig, names collection.Names, opts Options, hash string) error {
	log := logging.ForProvider(run.Provider)
	o.report(run, PhasePreparing, 0)

	client, err := o.client(run.Provider)
	if err != nil {
		return err
	}
	md, err := o.metadata.Get(ctx, run.Provider)
	if err != nil {
		return fmt.Errorf("describing source: %w", err)
	}
	log.Debug("source %s at %s, paging by %s", md.Kind, md.Endpoint, md.Cursor)

	resumed, err := o.prepareStaging(ctx, run.Mode, names, opts.Resume)
	if err != nil {
		return err
	}
	run.Resumed = resumed

	wm, err := o.resolver.Resolve(ctx, names.Staging)
	if err != nil {
		return err
	}
	run.Watermark = wm
	if !wm.IsZero() {
		log.Info("resuming from watermark %s", wm)
	}

	// A fresh full staging holds no keys yet, so plain inserts are safe.
	// Anything that may revisit records upserts by key.
	op := batch.OpUpsert
	if run.Mode == collection.Full && !resumed {
		op = batch.OpInsert
	}

	var (
		cursor   = wm.Cursor()
		pageSize = pc.PageSize
		limit    = pc.MaxRecords
		nextID   = wm.MaxID
		writeCtx = context.WithoutCancel(ctx)
		fetched  int64
	)
	if pageSize <= 0 {
		pageSize = 200
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		want := pageSize
		if limit > 0 && limit-fetched < int64(want) {
			want = int(limit - fetched)
		}
		var page source.Page
		page, pageSize, err = o.fetch(ctx, client, run.Provider, cursor, want, pageSize)
		if err != nil {
			return err
		}
		run.Pages++
		if len(page.Records) == 0 {
			break
		}

		records := page.Records
		capped := false
		if limit > 0 && fetched+int64(len(records)) >= limit {
			records = records[:limit-fetched]
			capped = true
		}
		fetched += int64(len(records))

		for i := range records {
			if records[i].ID == 0 {
				// Local IDs mean nothing to the provider and must not drive an id cursor.
				if md.Cursor == "id" {
					return fmt.Errorf("source pages by id but record %q has no id", records[i].Key)
				}
				nextID++
				records[i].ID = nextID
			} else if records[i].ID > nextID {
				nextID = records[i].ID
			}
		}

		res := o.writer.Write(writeCtx, names.Staging, records, op)
		run.Count += int64(res.Written)
		run.Failed += int64(res.Failed)
		run.FailedBatches += res.FailedBatches
		if res.Permanent != nil {
			return fmt.Errorf("writing to %s: %w", names.Staging, res.Permanent)
		}

		wm = wm.Advance(records)
		run.Watermark = wm
		cursor = wm.Cursor()
		cursor.Token = page.Next

		o.report(run, PhaseHarvesting, int64(res.Written))
		o.save(run, hash)

		if capped {
			log.Info("reached max_records (%d)", limit)
			break
		}
		if !page.HasMore {
			break
		}
	}

	// Upserts keep the stored ID of matched keys and failed batches never
	// land, so the in-memory mark can run ahead of staging.
	if final, err := o.resolver.Resolve(writeCtx, names.Staging); err != nil {
		log.Warn("re-resolving watermark of %s: %v", names.Staging, err)
	} else {
		run.Watermark = final
	}

	if o.cfg.Harvest.StrictWrites && run.Failed > 0 {
		return fmt.Errorf("%d records in %d batches failed to write (strict_writes)", run.Failed, run.FailedBatches)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.report(run, PhaseCutover, 0)
	d, err := o.cutover.TryCutover(writeCtx, run.Provider, names.Primary, names.Staging, pc.Ratio())
	run.Cutover = &d
	if err != nil {
		return err
	}
	if !d.Accepted {
		run.fail(fmt.Errorf("cutover rejected: %s", d.Reason()))
		if o.cfg.Harvest.DropRejectedStaging {
			if err := o.store.DropCollection(writeCtx, names.Staging); err != nil {
				log.Warn("dropping rejected staging %s: %v", names.Staging, err)
			}
		}
		return nil
	}
	run.Status = Success
	return nil
}

// prepareStaging readies the staging collection and reports whether an
// existing full staging is being resumed.
func (o *Orchestrator) prepareStaging(ctx context.Context, mode collection.Mode, names collection.Names, resume bool) (bool, error) {
	log := logging.ForProvider(names.Provider)
	exists, err := o.store.Exists(ctx, names.Staging)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", names.Staging, err)
	}

	if mode == collection.Full {
		if resume && exists {
			log.Info("resuming full harvest into existing %s", names.Staging)
			return true, nil
		}
		if err := o.store.DropCollection(ctx, names.Staging); err != nil {
			return false, err
		}
		if err := o.store.CreateCollection(ctx, names.Staging); err != nil {
			return false, err
		}
		return false, nil
	}

	if exists {
		return false, nil
	}
	primaryExists, err := o.store.Exists(ctx, names.Primary)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", names.Primary, err)
	}
	if primaryExists {
		log.Info("seeding %s from %s", names.Staging, names.Primary)
		if err := o.store.CopyCollection(ctx, names.Primary, names.Staging); err != nil {
			// An unseeded staging would later pass for a seeded one.
			if dropErr := o.store.DropCollection(context.WithoutCancel(ctx), names.Staging); dropErr != nil {
				log.Warn("dropping unseeded %s: %v", names.Staging, dropErr)
			}
			return false, fmt.Errorf("seeding %s: %w", names.Staging, err)
		}
		return false, nil
	}
	return false, o.store.CreateCollection(ctx, names.Staging)
}

// fetch requests one page, backing off and halving the page size while the
// source reports throttling. It returns the page size to keep using.
func (o *Orchestrator) fetch(ctx context.Context, c source.Client, provider string, cursor source.Cursor, want, pageSize int) (source.Page, int, error) {
	backoff := o.cfg.Harvest.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for attempt := 0; ; attempt++ {
		page, err := c.FetchPage(ctx, cursor, want)
		if err == nil {
			return page, pageSize, nil
		}
		if !source.IsThrottled(err) || attempt >= o.cfg.Harvest.FetchRetries {
			return page, pageSize, fmt.Errorf("fetching %s: %w", cursor, err)
		}
		if pageSize > 1 {
			pageSize /= 2
		}
		if want > pageSize {
			want = pageSize
		}
		logging.ForProvider(provider).Warn("source throttled (%v); retrying with page size %d in %s", err, want, backoff)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return page, pageSize, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

func (o *Orchestrator) report(run *Run, phase string, delta int64) {
	if o.progress == nil {
		return
	}
	o.progress(Progress{
		RunID:     run.ID,
		Provider:  run.Provider,
		Mode:      run.Mode,
		Phase:     phase,
		Count:     run.Count,
		Delta:     delta,
		Failed:    run.Failed,
		Pages:     run.Pages,
		Watermark: run.Watermark,
	})
}

func (o *Orchestrator) save(run *Run, hash string) {
	if o.state == nil || run.Primary == "" {
		return
	}
	if err := o.state.SaveRun(run.record(hash)); err != nil {
		logging.ForProvider(run.Provider).Warn("saving run history: %v", err)
	}
}

func (o *Orchestrator) notifyEnd(run *Run) {
	var err error
	switch {
	case run.Status == Success:
		err = o.notifier.HarvestCompleted(run.ID, run.Provider, string(run.Mode), run.Duration(), run.Count, run.Failed)
	case run.Status == Canceled:
		err = o.notifier.HarvestCanceled(run.ID, run.Provider, run.Count, run.Duration())
	case run.Rejected():
		err = o.notifier.HarvestRejected(run.ID, run.Provider, run.Cutover.StagingCount, run.Cutover.PrimaryCount, run.Cutover.MinRatio)
	default:
		err = o.notifier.HarvestFailed(run.ID, run.Provider, run.Err(), run.Duration())
	}
	if err != nil {
		logging.ForProvider(run.Provider).Warn("notification failed: %v", err)
	}
}

// configHash fingerprints the provider settings a run was made with, with
// secrets removed.
func configHash(pc *config.ProviderConfig) string {
	redacted := *pc
	redacted.Source.DSN = ""
	redacted.Source.Headers = nil
	data, _ := json.Marshal(redacted)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
