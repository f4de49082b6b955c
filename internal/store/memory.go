package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/johndauphine/obs-harvest/internal/config"
)

func init() {
	Register("memory", func(ctx context.Context, cfg *config.Config) (Store, error) {
		return NewMemory(), nil
	})
}

// Memory is an in-process store. Rename swaps map entries under one lock,
// which makes it trivially atomic for concurrent readers.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	records []Record
	byKey   map[string]int // last position of each key
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) Kind() string { return "memory" }

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateCollection(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = &memCollection{byKey: make(map[string]int)}
	}
	return nil
}

func (m *Memory) DropCollection(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *Memory) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *Memory) Count(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return 0, nil
	}
	return int64(len(c.records)), nil
}

func (m *Memory) InsertMany(ctx context.Context, name string, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return fmt.Errorf("inserting into %s: %w", name, ErrNotFound)
	}
	for _, r := range records {
		c.byKey[r.Key] = len(c.records)
		c.records = append(c.records, r)
	}
	return nil
}

func (m *Memory) UpsertMany(ctx context.Context, name string, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return fmt.Errorf("upserting into %s: %w", name, ErrNotFound)
	}
	for _, r := range dedupeByKey(records) {
		if i, ok := c.byKey[r.Key]; ok {
			c.records[i].Payload = r.Payload
			c.records[i].UpdatedAt = r.UpdatedAt
			continue
		}
		c.byKey[r.Key] = len(c.records)
		c.records = append(c.records, r)
	}
	return nil
}

func (m *Memory) RenameCollection(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[from]
	if !ok {
		return fmt.Errorf("renaming %s: %w", from, ErrNotFound)
	}
	m.collections[to] = c
	delete(m.collections, from)
	return nil
}

func (m *Memory) CopyCollection(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.collections[from]
	if !ok {
		return fmt.Errorf("copying %s: %w", from, ErrNotFound)
	}
	dst := &memCollection{
		records: append([]Record(nil), src.records...),
		byKey:   make(map[string]int, len(src.byKey)),
	}
	for k, v := range src.byKey {
		dst.byKey[k] = v
	}
	m.collections[to] = dst
	return nil
}

func (m *Memory) Bounds(ctx context.Context, name string) (Bounds, error) {
	if err := ctx.Err(); err != nil {
		return Bounds{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b Bounds
	c, ok := m.collections[name]
	if !ok {
		return b, nil
	}
	for _, r := range c.records {
		if r.ID > b.MaxID {
			b.MaxID = r.ID
		}
		if r.UpdatedAt.After(b.MaxUpdatedAt) {
			b.MaxUpdatedAt = r.UpdatedAt
		}
	}
	return b, nil
}

// Records returns a copy of a collection's records in write order.
func (m *Memory) Records(name string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil
	}
	return append([]Record(nil), c.records...)
}
