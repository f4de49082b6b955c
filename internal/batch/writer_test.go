package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/obs-harvest/internal/store"
)

// flakyStore rejects writes according to reject, otherwise delegates to memory.
type flakyStore struct {
	*store.Memory
	mu     sync.Mutex
	sizes  []int
	reject func(batch []store.Record) error
}

func newFlaky(reject func([]store.Record) error) *flakyStore {
	f := &flakyStore{Memory: store.NewMemory(), reject: reject}
	f.Memory.CreateCollection(context.Background(), "staging")
	return f
}

func (f *flakyStore) gate(batch []store.Record) error {
	f.mu.Lock()
	f.sizes = append(f.sizes, len(batch))
	f.mu.Unlock()
	if f.reject == nil {
		return nil
	}
	return f.reject(batch)
}

func (f *flakyStore) InsertMany(ctx context.Context, name string, batch []store.Record) error {
	if err := f.gate(batch); err != nil {
		return err
	}
	return f.Memory.InsertMany(ctx, name, batch)
}

func (f *flakyStore) UpsertMany(ctx context.Context, name string, batch []store.Record) error {
	if err := f.gate(batch); err != nil {
		return err
	}
	return f.Memory.UpsertMany(ctx, name, batch)
}

func (f *flakyStore) attempts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]int(nil), f.sizes...)
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

func records(n int) []store.Record {
	out := make([]store.Record, n)
	for i := range out {
		out[i] = store.Record{Key: fmt.Sprintf("r-%d", i), ID: int64(i + 1), Payload: []byte(`{}`)}
	}
	return out
}

var errOverload = store.Overloaded(errors.New("429 too many requests"))

func TestWriteAllSucceed(t *testing.T) {
	s := newFlaky(nil)
	w := New(s, Config{BatchSize: 100})

	res := w.Write(context.Background(), "staging", records(250), OpInsert)
	if !res.OK() {
		t.Fatalf("Write() not OK: %+v", res)
	}
	if res.Written != 250 {
		t.Errorf("Written = %d, want 250", res.Written)
	}
	if got := fmt.Sprint(s.attempts()); got != "[100 100 50]" {
		t.Errorf("batch sizes = %s, want [100 100 50]", got)
	}
}

// 200 overloads, splits to 100+100; the first half overloads again and
// splits to 50+50; everything then succeeds.
func TestWriteSplitsOverloadedBatch(t *testing.T) {
	s := newFlaky(func(b []store.Record) error {
		if len(b) == 200 || (len(b) == 100 && b[0].Key == "r-0") {
			return errOverload
		}
		return nil
	})
	w := New(s, Config{BatchSize: 200, MinSplitSize: 5})

	res := w.Write(context.Background(), "staging", records(200), OpInsert)
	if !res.OK() {
		t.Fatalf("Write() not OK: %+v", res)
	}
	if res.Written != 200 || res.Splits != 2 {
		t.Errorf("Written = %d, Splits = %d; want 200, 2", res.Written, res.Splits)
	}
	if got := fmt.Sprint(s.attempts()); got != "[200 100 100 50 50]" {
		t.Errorf("attempted sizes = %s", got)
	}
	if n, _ := s.Count(context.Background(), "staging"); n != 200 {
		t.Errorf("staging count = %d, want 200", n)
	}
}

func TestWriteTerminatesOnPerpetualOverload(t *testing.T) {
	s := newFlaky(func([]store.Record) error { return errOverload })
	w := New(s, Config{BatchSize: 200, MinSplitSize: 5})

	done := make(chan Result, 1)
	go func() { done <- w.Write(context.Background(), "staging", records(200), OpUpsert) }()

	var res Result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Write() did not terminate")
	}

	if res.OK() {
		t.Fatal("Write() should report failure")
	}
	if res.Written != 0 || res.Failed != 200 || res.FailedBatches != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Permanent != nil {
		t.Errorf("overload must not be reported as permanent: %v", res.Permanent)
	}
	sizes := s.attempts()
	smallest := sizes[len(sizes)-1]
	if smallest > 5 || smallest < 1 {
		t.Errorf("smallest attempted batch = %d, want 1..5", smallest)
	}
}

func TestWriteHalvesRunConcurrently(t *testing.T) {
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	s := newFlaky(func(b []store.Record) error {
		switch len(b) {
		case 100:
			return errOverload
		case 50:
			arrived <- struct{}{}
			select {
			case <-release:
				return nil
			case <-time.After(5 * time.Second):
				return errors.New("sibling half never started")
			}
		}
		return nil
	})
	w := New(s, Config{BatchSize: 100})

	done := make(chan Result, 1)
	go func() { done <- w.Write(context.Background(), "staging", records(100), OpInsert) }()

	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("halves were not written concurrently")
		}
	}
	close(release)

	if res := <-done; !res.OK() || res.Written != 100 {
		t.Errorf("result = %+v", res)
	}
}

func TestWriteContinuesAfterFailedBatch(t *testing.T) {
	s := newFlaky(func(b []store.Record) error {
		if b[0].Key == "r-10" {
			return errOverload
		}
		return nil
	})
	// MinSplitSize equal to the batch size disables splitting.
	w := New(s, Config{BatchSize: 10, MinSplitSize: 10})

	res := w.Write(context.Background(), "staging", records(30), OpInsert)
	if res.OK() {
		t.Fatal("Write() should report failure")
	}
	if res.Written != 20 || res.Failed != 10 || res.FailedBatches != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(s.attempts()) != 3 {
		t.Errorf("later batches must still be attempted, attempts = %v", s.attempts())
	}
}

func TestWriteStopsOnPermanentError(t *testing.T) {
	denied := errors.New("permission denied for relation")
	s := newFlaky(func(b []store.Record) error {
		if b[0].Key == "r-10" {
			return denied
		}
		return nil
	})
	w := New(s, Config{BatchSize: 10})

	res := w.Write(context.Background(), "staging", records(30), OpInsert)
	if !errors.Is(res.Permanent, denied) {
		t.Fatalf("Permanent = %v, want %v", res.Permanent, denied)
	}
	if res.Written != 10 || res.Failed != 20 {
		t.Errorf("result = %+v", res)
	}
	if got := len(s.attempts()); got != 2 {
		t.Errorf("attempts = %d, permanent errors must not be retried or followed", got)
	}
}

func TestWriteHonorsCanceledContext(t *testing.T) {
	s := newFlaky(nil)
	w := New(s, Config{BatchSize: 10})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := w.Write(ctx, "staging", records(30), OpInsert)
	if !errors.Is(res.Permanent, context.Canceled) || res.Failed != 30 {
		t.Errorf("result = %+v", res)
	}
}

func TestNewDefaults(t *testing.T) {
	w := New(store.NewMemory(), Config{})
	if w.BatchSize() != 1000 || w.minSplit != 5 {
		t.Errorf("defaults = %d/%d", w.BatchSize(), w.minSplit)
	}
}
