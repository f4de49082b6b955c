// Package source defines the client contract for external providers and a
// registry of generic client implementations.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/store"
)

// ErrThrottled marks a fetch rejected because the provider's rate limit or
// capacity was exceeded. The orchestrator backs off and asks for less.
var ErrThrottled = errors.New("source throttled")

type throttleError struct {
	err error
}

func (e *throttleError) Error() string        { return e.err.Error() }
func (e *throttleError) Unwrap() error        { return e.err }
func (e *throttleError) Is(target error) bool { return target == ErrThrottled }

// Throttled wraps err so that errors.Is(err, ErrThrottled) holds.
func Throttled(err error) error {
	if err == nil {
		return nil
	}
	return &throttleError{err: err}
}

// IsThrottled reports whether err is a transient rate-limit signal.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// Cursor is where the next page starts. A client pages on one dimension:
// AfterID for id-ordered providers, Since for update-ordered providers, or
// Token for providers that hand out opaque page tokens.
type Cursor struct {
	AfterID int64
	Since   time.Time
	Token   string
}

func (c Cursor) String() string {
	var parts []string
	if c.AfterID > 0 {
		parts = append(parts, fmt.Sprintf("id>%d", c.AfterID))
	}
	if !c.Since.IsZero() {
		parts = append(parts, "updated>"+c.Since.UTC().Format(time.RFC3339))
	}
	if c.Token != "" {
		parts = append(parts, "token="+c.Token)
	}
	if len(parts) == 0 {
		return "start"
	}
	return strings.Join(parts, ",")
}

// Page is one bounded response from a provider.
type Page struct {
	Records []store.Record
	HasMore bool
	// Next is an opaque token for the following page, if the provider uses tokens.
	Next string
}

// Metadata describes a provider endpoint. It is loaded once per provider and cached.
type Metadata struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint"`
	// Cursor names the dimension the client pages on: "id", "updated" or "token".
	Cursor string `json:"cursor"`
}

// Client fetches provider records page by page.
type Client interface {
	FetchPage(ctx context.Context, cursor Cursor, pageSize int) (Page, error)
	Describe(ctx context.Context) (Metadata, error)
	Close() error
}

// Factory builds a client for one configured provider.
type Factory func(p config.ProviderConfig) (Client, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register adds a client factory under kind. It panics if kind is already taken.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("source %q already registered", kind))
	}
	factories[kind] = f
}

// Open builds the client for p.Source.Type.
func Open(p config.ProviderConfig) (Client, error) {
	registryMu.RLock()
	f, ok := factories[p.Source.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source type %q for provider %s (available: %v)", p.Source.Type, p.Name, Available())
	}
	return f(p)
}

// Available returns the registered source kinds, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
