// Package store implements the verbatim store: named, schemaless record
// collections with bulk writes and an atomic rename used for cutover.
//
// Backends never retry. Errors that mean "the store is shedding load" are
// wrapped so that errors.Is(err, ErrOverloaded) holds; the batch writer
// reacts to those by splitting the batch. Every other error is permanent.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/obs-harvest/internal/stats"
)

var (
	// ErrOverloaded marks transient throughput or lock contention errors.
	ErrOverloaded = errors.New("store overloaded")

	// ErrNotFound is returned when renaming or copying a collection that does not exist.
	ErrNotFound = errors.New("collection not found")
)

// Record is one provider record stored verbatim.
type Record struct {
	// Key is the provider's stable natural identifier, used for upserts.
	Key string `json:"key"`
	// ID is the provider's numeric identifier, or a local sequence number
	// assigned by the orchestrator when the provider has none.
	ID        int64           `json:"id"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Bounds are the maxima of a collection's identifier and update timestamp.
type Bounds struct {
	MaxID        int64
	MaxUpdatedAt time.Time
}

// Store is the set of collection operations the harvest pipeline needs.
type Store interface {
	// CreateCollection creates an empty collection. Existing collections are left alone.
	CreateCollection(ctx context.Context, name string) error
	// DropCollection removes a collection. Dropping a missing collection is not an error.
	DropCollection(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	// Count returns the number of records, or 0 for a missing collection.
	Count(ctx context.Context, name string) (int64, error)
	InsertMany(ctx context.Context, name string, records []Record) error
	// UpsertMany matches records by Key. Matched rows get the new payload and
	// timestamp but keep their ID.
	UpsertMany(ctx context.Context, name string, records []Record) error
	// RenameCollection replaces to with from in one store-level operation.
	// Readers of to see either the old or the new collection, never neither.
	RenameCollection(ctx context.Context, from, to string) error
	// CopyCollection creates to as a copy of from.
	CopyCollection(ctx context.Context, from, to string) error
	Bounds(ctx context.Context, name string) (Bounds, error)
	Kind() string
	Close() error
}

// PoolStatter is implemented by stores backed by a connection pool.
type PoolStatter interface {
	PoolStats() stats.PoolStats
}

type overloadError struct {
	err error
}

func (e *overloadError) Error() string        { return e.err.Error() }
func (e *overloadError) Unwrap() error        { return e.err }
func (e *overloadError) Is(target error) bool { return target == ErrOverloaded }

// Overloaded wraps err so that errors.Is(err, ErrOverloaded) reports true
// while the original driver error stays reachable through errors.As.
func Overloaded(err error) error {
	if err == nil {
		return nil
	}
	return &overloadError{err: err}
}

// IsOverloaded reports whether err is a transient overload signal.
func IsOverloaded(err error) bool {
	return errors.Is(err, ErrOverloaded)
}

// dedupeByKey collapses records sharing a Key to the last occurrence, keeping
// the position of the first. Set-based upserts need unique source keys.
func dedupeByKey(records []Record) []Record {
	pos := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if i, ok := pos[r.Key]; ok {
			out[i] = r
			continue
		}
		pos[r.Key] = len(out)
		out = append(out, r)
	}
	return out
}

func validateRecords(records []Record) error {
	for i, r := range records {
		if r.Key == "" {
			return fmt.Errorf("record %d has an empty key", i)
		}
		if len(r.Payload) > 0 && !json.Valid(r.Payload) {
			return fmt.Errorf("record %q has an invalid JSON payload", r.Key)
		}
	}
	return nil
}

func payloadBytes(r Record) []byte {
	if len(r.Payload) == 0 {
		return []byte("{}")
	}
	return r.Payload
}

// nullableTime returns nil for the zero time so drivers store NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
