// Package watermark derives the resume point of a harvest from what has
// already been written to its staging collection.
package watermark

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/obs-harvest/internal/source"
	"github.com/johndauphine/obs-harvest/internal/store"
)

// Watermark is the high-water mark of a staging collection.
type Watermark struct {
	MaxID        int64     `json:"max_id"`
	MaxUpdatedAt time.Time `json:"max_updated_at,omitempty"`
	// Exists is false when the staging collection has not been created yet.
	Exists bool `json:"exists"`
}

// IsZero reports whether nothing has been harvested.
func (w Watermark) IsZero() bool {
	return w.MaxID == 0 && w.MaxUpdatedAt.IsZero()
}

// Cursor converts the watermark into the position the next fetch starts at.
func (w Watermark) Cursor() source.Cursor {
	return source.Cursor{AfterID: w.MaxID, Since: w.MaxUpdatedAt}
}

// Advance raises the mark over records. It never moves backwards.
func (w Watermark) Advance(records []store.Record) Watermark {
	for _, r := range records {
		if r.ID > w.MaxID {
			w.MaxID = r.ID
		}
		if r.UpdatedAt.After(w.MaxUpdatedAt) {
			w.MaxUpdatedAt = r.UpdatedAt
		}
	}
	return w
}

func (w Watermark) String() string {
	if !w.Exists {
		return "none (no staging)"
	}
	if w.IsZero() {
		return "empty"
	}
	s := fmt.Sprintf("id=%d", w.MaxID)
	if !w.MaxUpdatedAt.IsZero() {
		s += " updated=" + w.MaxUpdatedAt.UTC().Format(time.RFC3339)
	}
	return s
}

// Resolver reads watermarks from a store.
type Resolver struct {
	store store.Store
}

func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve returns the mark of staging. A missing or empty collection
// yields a zero watermark, which means "start from the beginning".
func (r *Resolver) Resolve(ctx context.Context, staging string) (Watermark, error) {
	exists, err := r.store.Exists(ctx, staging)
	if err != nil {
		return Watermark{}, fmt.Errorf("checking %s: %w", staging, err)
	}
	if !exists {
		return Watermark{}, nil
	}
	b, err := r.store.Bounds(ctx, staging)
	if err != nil {
		return Watermark{}, fmt.Errorf("resolving watermark of %s: %w", staging, err)
	}
	return Watermark{MaxID: b.MaxID, MaxUpdatedAt: b.MaxUpdatedAt, Exists: true}, nil
}
