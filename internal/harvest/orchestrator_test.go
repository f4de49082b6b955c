package harvest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/obs-harvest/internal/checkpoint"
	"github.com/johndauphine/obs-harvest/internal/collection"
	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/guard"
	"github.com/johndauphine/obs-harvest/internal/source"
	"github.com/johndauphine/obs-harvest/internal/store"
)

const provider = "inat"

var (
	primary     = collection.Primary(provider)
	fullStaging = primary + "_full_staging"
	incStaging  = primary + "_incremental_staging"
	epoch       = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// fakeSource serves records in ID order, or in update order when byUpdated
// is set.
type fakeSource struct {
	mu        sync.Mutex
	records   []store.Record
	byUpdated bool
	cursor    string
	throttle  int
	panicAt   int
	block     chan struct{}
	onFetch   func(call int)
	calls     int
	sizes     []int
	cursors   []source.Cursor
	describes int
}

func (f *fakeSource) FetchPage(ctx context.Context, cursor source.Cursor, pageSize int) (source.Page, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.sizes = append(f.sizes, pageSize)
	f.cursors = append(f.cursors, cursor)
	throttled := f.throttle > 0
	if throttled {
		f.throttle--
	}
	hook, block, panicAt := f.onFetch, f.block, f.panicAt
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return source.Page{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return source.Page{}, err
	}
	if throttled {
		return source.Page{}, source.Throttled(errors.New("429 too many requests"))
	}
	if panicAt == call {
		panic("provider exploded")
	}

	var out []store.Record
	for _, r := range f.records {
		if f.byUpdated {
			if !r.UpdatedAt.After(cursor.Since) {
				continue
			}
		} else if r.ID <= cursor.AfterID {
			continue
		}
		if len(out) == pageSize {
			return source.Page{Records: out, HasMore: true}, nil
		}
		out = append(out, r)
	}
	return source.Page{Records: out}, nil
}

func (f *fakeSource) Describe(context.Context) (source.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describes++
	cursor := "id"
	if f.byUpdated {
		cursor = "updated"
	}
	if f.cursor != "" {
		cursor = f.cursor
	}
	return source.Metadata{Provider: provider, Kind: "fake", Endpoint: "memory", Cursor: cursor}, nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) fetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func observations(prefix string, firstID, n int) []store.Record {
	out := make([]store.Record, n)
	for i := range out {
		id := firstID + i
		out[i] = store.Record{
			Key:       fmt.Sprintf("%s-%d", prefix, id),
			ID:        int64(id),
			UpdatedAt: epoch.Add(-time.Duration(n-i) * time.Minute),
			Payload:   []byte(fmt.Sprintf(`{"id":%d,"taxon":"Quercus robur"}`, id)),
		}
	}
	return out
}

func seed(t *testing.T, s store.Store, name string, records []store.Record) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateCollection(ctx, name); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertMany(ctx, name, records); err != nil {
		t.Fatal(err)
	}
}

func count(t *testing.T, s store.Store, name string) int64 {
	t.Helper()
	n, err := s.Count(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func exists(t *testing.T, s store.Store, name string) bool {
	t.Helper()
	ok, err := s.Exists(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.LoadBytes([]byte(`
store:
  type: memory
harvest:
  page_size: 100
  retry_backoff: 1ms
` + extra + `
providers:
  - name: inat
    source:
      type: http
      base_url: http://inat.invalid
`))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	return cfg
}

type fixture struct {
	src   *fakeSource
	orch  *Orchestrator
	state checkpoint.StateBackend
	sent  *recordingNotifier
}

func newFixture(t *testing.T, cfg *config.Config, s store.Store, src *fakeSource) *fixture {
	t.Helper()
	state, err := checkpoint.NewFileState(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	sent := &recordingNotifier{}
	orch, err := New(cfg, Deps{
		Store:    s,
		Guard:    guard.New(),
		State:    state,
		Notifier: sent,
		Sources:  map[string]source.Client{provider: src},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(orch.Close)
	return &fixture{src: src, orch: orch, state: state, sent: sent}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(e string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) HarvestStarted(string, string, string) error { return n.add("started") }

func (n *recordingNotifier) HarvestCompleted(string, string, string, time.Duration, int64, int64) error {
	return n.add("completed")
}

func (n *recordingNotifier) HarvestFailed(string, string, error, time.Duration) error {
	return n.add("failed")
}

func (n *recordingNotifier) HarvestRejected(string, string, int64, int64, float64) error {
	return n.add("rejected")
}

func (n *recordingNotifier) HarvestCanceled(string, string, int64, time.Duration) error {
	return n.add("canceled")
}

func (n *recordingNotifier) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return strings.Join(n.events, ",")
}

func TestFullHarvestCutsOver(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, primary, observations("old", 1, 10200))
	src := &fakeSource{records: observations("obs", 1, 10000)}
	f := newFixture(t, testConfig(t, ""), mem, src)

	var mu sync.Mutex
	var phases []string
	var last int64
	f.orch.OnProgress(func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		if p.Count < last {
			t.Errorf("progress count went backwards: %d after %d", p.Count, last)
		}
		last = p.Count
		phases = append(phases, p.Phase)
	})

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Success {
		t.Fatalf("Status = %s, err = %v", run.Status, run.Err())
	}
	if run.Count != 10000 {
		t.Errorf("Count = %d, want 10000", run.Count)
	}
	if !run.Cutover.Accepted || run.Cutover.PrimaryCount != 10200 || run.Cutover.StagingCount != 10000 {
		t.Errorf("Cutover = %+v", run.Cutover)
	}
	if n := count(t, mem, primary); n != 10000 {
		t.Errorf("primary count = %d, want 10000", n)
	}
	if exists(t, mem, fullStaging) {
		t.Error("staging should have been renamed away")
	}
	if run.Watermark.MaxID != 10000 {
		t.Errorf("Watermark = %s", run.Watermark)
	}
	if phases[0] != PhasePreparing || phases[len(phases)-1] != PhaseDone {
		t.Errorf("phases = %v", phases)
	}
	if got := f.sent.String(); got != "started,completed" {
		t.Errorf("notifications = %s", got)
	}
}

func TestRegressionRejectsCutover(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, primary, observations("old", 1, 10200))
	f := newFixture(t, testConfig(t, ""), mem, &fakeSource{records: observations("obs", 1, 500)})

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Failed || !run.Rejected() {
		t.Fatalf("Status = %s, Rejected = %v", run.Status, run.Rejected())
	}
	if !strings.Contains(run.Error, "cutover rejected") {
		t.Errorf("Error = %q", run.Error)
	}
	if n := count(t, mem, primary); n != 10200 {
		t.Errorf("primary count = %d, want 10200 (unchanged)", n)
	}
	if n := count(t, mem, fullStaging); n != 500 {
		t.Errorf("rejected staging count = %d, want 500 kept for inspection", n)
	}
	if got := f.sent.String(); got != "started,rejected" {
		t.Errorf("notifications = %s", got)
	}
}

func TestRejectedStagingDroppedWhenConfigured(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, primary, observations("old", 1, 1000))
	cfg := testConfig(t, "  drop_rejected_staging: true")
	f := newFixture(t, cfg, mem, &fakeSource{records: observations("obs", 1, 10)})

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if !run.Rejected() {
		t.Fatalf("run = %+v", run)
	}
	if exists(t, mem, fullStaging) {
		t.Error("rejected staging should have been dropped")
	}
	if n := count(t, mem, primary); n != 1000 {
		t.Errorf("primary count = %d", n)
	}
}

func TestIncrementalHarvestUpsertsChanges(t *testing.T) {
	mem := store.NewMemory()
	// 1000 records, all updated before epoch.
	seed(t, mem, primary, observations("obs", 1, 1000))

	// 100 existing records changed after epoch, then 200 new ones.
	var changes []store.Record
	for i := 0; i < 300; i++ {
		id := i + 1
		if i >= 100 {
			id = 1000 + i - 99
		}
		changes = append(changes, store.Record{
			Key:       fmt.Sprintf("obs-%d", id),
			UpdatedAt: epoch.Add(time.Duration(i+1) * time.Second),
			Payload:   []byte(fmt.Sprintf(`{"id":%d,"rev":2}`, id)),
		})
	}
	src := &fakeSource{records: changes, byUpdated: true}
	f := newFixture(t, testConfig(t, ""), mem, src)

	run := f.orch.Run(context.Background(), provider, collection.Incremental)

	if run.Status != Success {
		t.Fatalf("Status = %s, err = %v", run.Status, run.Err())
	}
	if run.Count != 300 {
		t.Errorf("Count = %d, want 300", run.Count)
	}
	if !src.cursors[0].Since.Before(epoch) {
		t.Errorf("first cursor = %s, want the copied primary's mark", src.cursors[0])
	}
	if n := count(t, mem, primary); n != 1200 {
		t.Errorf("primary count = %d, want 1200", n)
	}
	want := epoch.Add(300 * time.Second)
	if !run.Watermark.MaxUpdatedAt.Equal(want) {
		t.Errorf("watermark updated = %s, want %s", run.Watermark.MaxUpdatedAt, want)
	}

	byKey := map[string]store.Record{}
	for _, r := range mem.Records(primary) {
		byKey[r.Key] = r
	}
	changed := byKey["obs-1"]
	if changed.ID != 1 || string(changed.Payload) != `{"id":1,"rev":2}` {
		t.Errorf("changed record = %+v, want id kept and payload replaced", changed)
	}
	if added, ok := byKey["obs-1200"]; !ok || added.ID <= 1000 {
		t.Errorf("new record = %+v, want a fresh local id", added)
	}
}

func TestCanceledIncrementalResumesFromWatermark(t *testing.T) {
	mem := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &fakeSource{records: observations("obs", 1, 1000)}
	src.onFetch = func(call int) {
		if call == 4 {
			cancel()
		}
	}
	f := newFixture(t, testConfig(t, ""), mem, src)

	run := f.orch.Run(ctx, provider, collection.Incremental)

	if run.Status != Canceled {
		t.Fatalf("Status = %s, err = %v", run.Status, run.Err())
	}
	if run.Count != 300 {
		t.Errorf("Count = %d, want 300", run.Count)
	}
	if n := count(t, mem, incStaging); n != 300 {
		t.Errorf("staging count = %d, want 300 retained", n)
	}
	if exists(t, mem, primary) {
		t.Error("primary must not exist after a canceled first run")
	}

	src.mu.Lock()
	src.onFetch = nil
	src.cursors = nil
	src.mu.Unlock()

	again := f.orch.Run(context.Background(), provider, collection.Incremental)
	if again.Status != Success {
		t.Fatalf("resumed Status = %s, err = %v", again.Status, again.Err())
	}
	if src.cursors[0].AfterID != 300 {
		t.Errorf("resumed from %s, want id>300", src.cursors[0])
	}
	if again.Count != 700 {
		t.Errorf("resumed Count = %d, want 700", again.Count)
	}
	if n := count(t, mem, primary); n != 1000 {
		t.Errorf("primary count = %d, want 1000", n)
	}
}

func TestIncrementalRerunIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, testConfig(t, ""), mem, &fakeSource{records: observations("obs", 1, 250)})

	for i := 0; i < 2; i++ {
		run := f.orch.Run(context.Background(), provider, collection.Incremental)
		if run.Status != Success {
			t.Fatalf("run %d: Status = %s, err = %v", i, run.Status, run.Err())
		}
		if n := count(t, mem, primary); n != 250 {
			t.Errorf("run %d: primary count = %d, want 250", i, n)
		}
		if i == 1 && run.Count != 0 {
			t.Errorf("second run wrote %d records, want 0", run.Count)
		}
	}
}

func TestFullResume(t *testing.T) {
	mem := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &fakeSource{records: observations("obs", 1, 500)}
	src.onFetch = func(call int) {
		if call == 3 {
			cancel()
		}
	}
	f := newFixture(t, testConfig(t, ""), mem, src)

	if run := f.orch.Run(ctx, provider, collection.Full); run.Status != Canceled {
		t.Fatalf("Status = %s", run.Status)
	}
	src.mu.Lock()
	src.onFetch = nil
	src.mu.Unlock()

	run := f.orch.RunWithOptions(context.Background(), provider, collection.Full, Options{Resume: true, RunID: "resume1"})
	if run.Status != Success || !run.Resumed {
		t.Fatalf("Status = %s, Resumed = %v, err = %v", run.Status, run.Resumed, run.Err())
	}
	if run.ID != "resume1" {
		t.Errorf("ID = %s", run.ID)
	}
	if run.Count != 300 {
		t.Errorf("Count = %d, want 300 after resuming at 200", run.Count)
	}
	if n := count(t, mem, primary); n != 500 {
		t.Errorf("primary count = %d, want 500 without duplicates", n)
	}
}

func TestFullWithoutResumeStartsOver(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, fullStaging, observations("stale", 1, 50))
	f := newFixture(t, testConfig(t, ""), mem, &fakeSource{records: observations("obs", 1, 120)})

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Success || run.Resumed {
		t.Fatalf("Status = %s, Resumed = %v", run.Status, run.Resumed)
	}
	for _, r := range mem.Records(primary) {
		if strings.HasPrefix(r.Key, "stale") {
			t.Fatalf("stale staging record %s survived", r.Key)
		}
	}
	if n := count(t, mem, primary); n != 120 {
		t.Errorf("primary count = %d", n)
	}
}

func TestPrimaryServedDuringHarvest(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, primary, observations("old", 1, 100))
	started := make(chan struct{})
	src := &fakeSource{records: observations("obs", 1, 120), block: make(chan struct{})}
	src.onFetch = func(call int) {
		if call == 1 {
			close(started)
		}
	}
	f := newFixture(t, testConfig(t, ""), mem, src)

	done := make(chan *Run, 1)
	go func() { done <- f.orch.Run(context.Background(), provider, collection.Full) }()

	<-started
	if n := count(t, mem, primary); n != 100 {
		t.Errorf("primary count mid-run = %d, want 100", n)
	}
	if !f.orch.guard.InFlight(provider) {
		t.Error("guard should report the provider in flight")
	}
	close(src.block)

	run := <-done
	if run.Status != Success {
		t.Fatalf("Status = %s, err = %v", run.Status, run.Err())
	}
	if n := count(t, mem, primary); n != 120 {
		t.Errorf("primary count after = %d, want 120", n)
	}
}

// deniedStore fails every insert with a non-overload error.
type deniedStore struct {
	*store.Memory
}

func (deniedStore) InsertMany(context.Context, string, []store.Record) error {
	return errors.New("permission denied for relation")
}

func TestPermanentWriteErrorFailsRun(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, primary, observations("old", 1, 10))
	src := &fakeSource{records: observations("obs", 1, 500)}
	f := newFixture(t, testConfig(t, ""), deniedStore{mem}, src)

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Failed || run.Rejected() {
		t.Fatalf("Status = %s, Rejected = %v", run.Status, run.Rejected())
	}
	if !strings.Contains(run.Error, "permission denied") {
		t.Errorf("Error = %q", run.Error)
	}
	if src.fetchCalls() != 1 {
		t.Errorf("fetch calls = %d, harvest should stop at the first permanent error", src.fetchCalls())
	}
	if n := count(t, mem, primary); n != 10 {
		t.Errorf("primary count = %d", n)
	}
}

// overloadStore overloads any batch holding one poisoned key.
type overloadStore struct {
	*store.Memory
	poison string
}

func (s overloadStore) InsertMany(ctx context.Context, name string, records []store.Record) error {
	for _, r := range records {
		if r.Key == s.poison {
			return store.Overloaded(errors.New("too many connections"))
		}
	}
	return s.Memory.InsertMany(ctx, name, records)
}

func TestFailedBatchesCountedAndTolerated(t *testing.T) {
	mem := store.NewMemory()
	cfg := testConfig(t, "  min_split_size: 100")
	f := newFixture(t, cfg, overloadStore{mem, "obs-150"}, &fakeSource{records: observations("obs", 1, 300)})

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Success {
		t.Fatalf("Status = %s, err = %v", run.Status, run.Err())
	}
	if run.Count != 200 || run.Failed != 100 || run.FailedBatches != 1 {
		t.Errorf("Count = %d, Failed = %d, FailedBatches = %d", run.Count, run.Failed, run.FailedBatches)
	}
}

func TestStrictWritesFailsOnFailedBatch(t *testing.T) {
	mem := store.NewMemory()
	cfg := testConfig(t, "  min_split_size: 100\n  strict_writes: true")
	f := newFixture(t, cfg, overloadStore{mem, "obs-150"}, &fakeSource{records: observations("obs", 1, 300)})

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Failed || !strings.Contains(run.Error, "strict_writes") {
		t.Fatalf("Status = %s, Error = %q", run.Status, run.Error)
	}
	if run.Cutover != nil || exists(t, mem, primary) {
		t.Error("strict failure must not reach cutover")
	}
}

func TestConcurrentRunsCollapse(t *testing.T) {
	mem := store.NewMemory()
	started := make(chan struct{})
	src := &fakeSource{records: observations("obs", 1, 50), block: make(chan struct{})}
	src.onFetch = func(call int) {
		if call == 1 {
			close(started)
		}
	}
	f := newFixture(t, testConfig(t, ""), mem, src)

	runs := make(chan *Run, 2)
	go func() { runs <- f.orch.Run(context.Background(), provider, collection.Full) }()
	<-started
	go func() { runs <- f.orch.Run(context.Background(), provider, collection.Incremental) }()
	time.Sleep(50 * time.Millisecond)
	close(src.block)

	a, b := <-runs, <-runs
	if a != b {
		t.Errorf("concurrent runs returned different results: %s and %s", a.ID, b.ID)
	}
	if src.fetchCalls() != 1 {
		t.Errorf("fetch calls = %d, want one harvest", src.fetchCalls())
	}
}

func TestWaiterCancelReturnsCanceledRun(t *testing.T) {
	mem := store.NewMemory()
	started := make(chan struct{})
	src := &fakeSource{records: observations("obs", 1, 5), block: make(chan struct{})}
	src.onFetch = func(call int) {
		if call == 1 {
			close(started)
		}
	}
	f := newFixture(t, testConfig(t, ""), mem, src)

	first := make(chan *Run, 1)
	go func() { first <- f.orch.Run(context.Background(), provider, collection.Full) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	waiter := f.orch.Run(ctx, provider, collection.Full)
	if waiter.Status != Canceled {
		t.Errorf("waiter Status = %s", waiter.Status)
	}

	close(src.block)
	if run := <-first; run.Status != Success {
		t.Errorf("running harvest Status = %s, err = %v", run.Status, run.Err())
	}
}

func TestMaxRecordsCapsRun(t *testing.T) {
	mem := store.NewMemory()
	cfg, err := config.LoadBytes([]byte(`
store:
  type: memory
harvest:
  page_size: 100
providers:
  - name: inat
    max_records: 250
    source:
      type: http
      base_url: http://inat.invalid
`))
	if err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{records: observations("obs", 1, 1000)}
	f := newFixture(t, cfg, mem, src)

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Success || run.Count != 250 {
		t.Fatalf("Status = %s, Count = %d", run.Status, run.Count)
	}
	if got := fmt.Sprint(src.sizes); got != "[100 100 50]" {
		t.Errorf("requested page sizes = %s", got)
	}
}

func TestEmptyFullRunWithoutPrimary(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, testConfig(t, ""), mem, &fakeSource{})

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Success || run.Count != 0 || run.Pages != 1 {
		t.Fatalf("run = %+v", run)
	}
	if !exists(t, mem, primary) || count(t, mem, primary) != 0 {
		t.Error("an empty primary should have been promoted")
	}
}

func TestThrottledFetchHalvesPageSize(t *testing.T) {
	mem := store.NewMemory()
	src := &fakeSource{records: observations("obs", 1, 300), throttle: 2}
	f := newFixture(t, testConfig(t, ""), mem, src)

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Success || run.Count != 300 {
		t.Fatalf("Status = %s, Count = %d, err = %v", run.Status, run.Count, run.Err())
	}
	if got := fmt.Sprint(src.sizes[:4]); got != "[100 50 25 25]" {
		t.Errorf("page sizes = %v", src.sizes)
	}
}

func TestPersistentThrottleFailsRun(t *testing.T) {
	mem := store.NewMemory()
	src := &fakeSource{records: observations("obs", 1, 300), throttle: 100}
	f := newFixture(t, testConfig(t, "  fetch_retries: 2"), mem, src)

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Failed || !source.IsThrottled(run.Err()) {
		t.Fatalf("Status = %s, err = %v", run.Status, run.Err())
	}
	if src.fetchCalls() != 3 {
		t.Errorf("fetch calls = %d, want 3", src.fetchCalls())
	}
}

func TestPanicFailsRun(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, primary, observations("old", 1, 10))
	f := newFixture(t, testConfig(t, ""), mem, &fakeSource{records: observations("obs", 1, 300), panicAt: 2})

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Failed || !strings.Contains(run.Error, "provider exploded") {
		t.Fatalf("Status = %s, Error = %q", run.Status, run.Error)
	}
	if n := count(t, mem, primary); n != 10 {
		t.Errorf("primary count = %d", n)
	}
	// The guard must be released after a panic.
	if f.orch.guard.InFlight(provider) {
		t.Error("guard still held")
	}
}

func TestUnknownProvider(t *testing.T) {
	f := newFixture(t, testConfig(t, ""), store.NewMemory(), &fakeSource{})

	run := f.orch.Run(context.Background(), "ebird", collection.Full)
	if run.Status != Failed || !strings.Contains(run.Error, "unknown provider") {
		t.Errorf("run = %+v", run)
	}
}

func TestHistoryRecorded(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, primary, observations("old", 1, 1000))
	src := &fakeSource{records: observations("obs", 1, 1000)}
	f := newFixture(t, testConfig(t, ""), mem, src)

	ok := f.orch.Run(context.Background(), provider, collection.Full)
	src.mu.Lock()
	src.records = src.records[:10]
	src.mu.Unlock()
	rejected := f.orch.Run(context.Background(), provider, collection.Full)

	got, err := f.state.GetRun(ok.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRun(%s) = %v, %v", ok.ID, got, err)
	}
	if got.Status != checkpoint.StatusSuccess || got.Count != 1000 || got.ConfigHash == "" || got.CompletedAt == nil {
		t.Errorf("recorded run = %+v", got)
	}

	last, err := f.state.GetLastRun(provider)
	if err != nil {
		t.Fatal(err)
	}
	if last.ID != rejected.ID || !last.Rejected || last.PrimaryCount != 1000 || last.StagingCount != 10 {
		t.Errorf("last run = %+v", last)
	}
	if active, _ := f.state.GetActiveRuns(); len(active) != 0 {
		t.Errorf("active runs = %v", active)
	}
}

func TestRunAll(t *testing.T) {
	cfg, err := config.LoadBytes([]byte(`
store:
  type: memory
harvest:
  page_size: 10
providers:
  - name: inat
    source:
      base_url: http://inat.invalid
  - name: gbif
    source:
      base_url: http://gbif.invalid
`))
	if err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemory()
	orch, err := New(cfg, Deps{
		Store: mem,
		Guard: guard.New(),
		Sources: map[string]source.Client{
			"inat": &fakeSource{records: observations("i", 1, 25)},
			"gbif": &fakeSource{records: observations("g", 1, 7)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	runs := orch.RunAll(context.Background(), cfg.ProviderNames(), collection.Full, Options{RunID: "ignored"})

	if len(runs) != 2 || runs[0].Provider != "inat" || runs[1].Provider != "gbif" {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].ID == runs[1].ID || runs[0].ID == "ignored" {
		t.Errorf("run IDs = %s, %s", runs[0].ID, runs[1].ID)
	}
	if count(t, mem, "inat_observations") != 25 || count(t, mem, "gbif_observations") != 7 {
		t.Error("both providers should have been promoted")
	}
}

func TestNewRequiresStoreAndGuard(t *testing.T) {
	cfg := testConfig(t, "")
	if _, err := New(cfg, Deps{Guard: guard.New()}); err == nil {
		t.Error("New() without store should fail")
	}
	if _, err := New(cfg, Deps{Store: store.NewMemory()}); err == nil {
		t.Error("New() without guard should fail")
	}
}

func TestMetadataLoadedOnce(t *testing.T) {
	src := &fakeSource{records: observations("obs", 1, 5)}
	f := newFixture(t, testConfig(t, ""), store.NewMemory(), src)

	for i := 0; i < 3; i++ {
		f.orch.Run(context.Background(), provider, collection.Incremental)
	}
	if _, err := f.orch.Metadata(context.Background(), provider); err != nil {
		t.Fatal(err)
	}
	if src.describes != 1 {
		t.Errorf("Describe called %d times, want 1", src.describes)
	}
}

func TestConfigHashRedactsSecrets(t *testing.T) {
	pc := config.ProviderConfig{Name: "inat", Source: config.SourceConfig{DSN: "postgres://u:secret@h/db"}}
	other := pc
	other.Source.DSN = "postgres://u:other@h/db"
	if configHash(&pc) != configHash(&other) {
		t.Error("hash should not depend on credentials")
	}
	other.PageSize = 7
	if configHash(&pc) == configHash(&other) {
		t.Error("hash should change with settings")
	}
}

func TestIDPagedSourceRequiresProviderIDs(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, primary, observations("old", 1, 10))
	records := observations("obs", 5001, 30)
	for i := range records {
		records[i].ID = 0
	}
	// Served in update order, but described as paging by id.
	src := &fakeSource{records: records, byUpdated: true, cursor: "id"}
	f := newFixture(t, testConfig(t, ""), mem, src)

	run := f.orch.Run(context.Background(), provider, collection.Full)

	if run.Status != Failed || !strings.Contains(run.Error, "has no id") {
		t.Fatalf("Status = %s, Error = %q", run.Status, run.Error)
	}
	if src.fetchCalls() != 1 {
		t.Errorf("fetch calls = %d, local ids must never become the next cursor", src.fetchCalls())
	}
	if n := count(t, mem, primary); n != 10 {
		t.Errorf("primary count = %d, want 10", n)
	}
}

func TestWatermarkReflectsStoredIDs(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, primary, observations("obs", 1, 10))
	// Five known keys change; upserts keep their stored ids.
	var changes []store.Record
	for i := 1; i <= 5; i++ {
		changes = append(changes, store.Record{
			Key:       fmt.Sprintf("obs-%d", i),
			UpdatedAt: epoch.Add(time.Duration(i) * time.Second),
			Payload:   []byte(`{"rev":2}`),
		})
	}
	src := &fakeSource{records: changes, byUpdated: true}
	f := newFixture(t, testConfig(t, ""), mem, src)

	run := f.orch.Run(context.Background(), provider, collection.Incremental)

	if run.Status != Success {
		t.Fatalf("Status = %s, err = %v", run.Status, run.Err())
	}
	if run.Watermark.MaxID != 10 {
		t.Errorf("watermark id = %d, want 10 (the stored maximum)", run.Watermark.MaxID)
	}
	if want := epoch.Add(5 * time.Second); !run.Watermark.MaxUpdatedAt.Equal(want) {
		t.Errorf("watermark updated = %s, want %s", run.Watermark.MaxUpdatedAt, want)
	}
}

// brokenCopyStore creates the copy target and then fails to fill it.
type brokenCopyStore struct {
	*store.Memory
}

func (s brokenCopyStore) CopyCollection(ctx context.Context, _, to string) error {
	if err := s.Memory.CreateCollection(ctx, to); err != nil {
		return err
	}
	return store.Overloaded(errors.New("canceling statement due to statement timeout"))
}

func TestFailedSeedLeavesNoStaging(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, primary, observations("obs", 1, 100))
	src := &fakeSource{records: observations("obs", 101, 5)}
	f := newFixture(t, testConfig(t, ""), brokenCopyStore{mem}, src)

	run := f.orch.Run(context.Background(), provider, collection.Incremental)

	if run.Status != Failed || !strings.Contains(run.Error, "seeding") {
		t.Fatalf("Status = %s, Error = %q", run.Status, run.Error)
	}
	if exists(t, mem, incStaging) {
		t.Error("an unseeded staging must not survive a failed copy")
	}
	if src.fetchCalls() != 0 {
		t.Errorf("fetch calls = %d, want 0", src.fetchCalls())
	}
	if n := count(t, mem, primary); n != 100 {
		t.Errorf("primary count = %d, want 100", n)
	}
}

func TestPreCanceledRunIsConsistent(t *testing.T) {
	for i := 0; i < 50; i++ {
		mem := store.NewMemory()
		f := newFixture(t, testConfig(t, ""), mem, &fakeSource{records: observations("obs", 1, 5)})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		run := f.orch.Run(ctx, provider, collection.Full)

		if run.Status != Canceled {
			t.Fatalf("Status = %s", run.Status)
		}
		history, err := f.state.GetAllRuns(10)
		if err != nil {
			t.Fatal(err)
		}
		// Either nothing ran, or the returned run is the one that ran.
		switch {
		case len(history) == 0:
			if f.sent.String() != "" {
				t.Fatalf("notifications %q for a run that never started", f.sent)
			}
		case len(history) == 1:
			if history[0].ID != run.ID || history[0].Status != string(Canceled) {
				t.Fatalf("history %+v, returned run %s", history[0], run.ID)
			}
		default:
			t.Fatalf("history rows = %d", len(history))
		}
	}
}
