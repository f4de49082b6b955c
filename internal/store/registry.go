package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/johndauphine/obs-harvest/internal/config"
)

// Opener connects a backend from configuration.
type Opener func(ctx context.Context, cfg *config.Config) (Store, error)

var (
	registryMu sync.RWMutex
	openers    = make(map[string]Opener)
)

// Register adds a backend under kind. It panics if kind is already taken.
func Register(kind string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()

	kind = strings.ToLower(kind)
	if _, exists := openers[kind]; exists {
		panic(fmt.Sprintf("store %q already registered", kind))
	}
	openers[kind] = open
}

// Open connects the backend named by cfg.Store.Type.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	registryMu.RLock()
	open, ok := openers[strings.ToLower(cfg.Store.Type)]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown store type %q (available: %v)", cfg.Store.Type, Available())
	}
	return open(ctx, cfg)
}

// Available returns the registered backend names, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
