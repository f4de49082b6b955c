// Package collection owns the naming of per-provider primary and staging
// collections. Writers, the watermark resolver and cutover all derive names
// from For, so a mismatch between them cannot be spelled.
package collection

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidProvider is returned for provider identifiers that cannot be
// embedded in a collection name.
var ErrInvalidProvider = errors.New("invalid provider")

// Mode selects how a harvest run treats existing data.
type Mode string

const (
	// Full rebuilds staging from scratch.
	Full Mode = "full"
	// Incremental extends a copy of primary from the watermark.
	Incremental Mode = "incremental"
)

// Lowercase letter first, then letters, digits or underscores. The length cap
// keeps the longest staging name under PostgreSQL's 63 byte identifier limit.
var providerPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,29}$`)

// ParseMode converts a CLI or config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Full, Incremental:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q (valid: full, incremental)", s)
	}
}

// ValidateProvider checks that name is usable as a provider identifier.
func ValidateProvider(name string) error {
	if !providerPattern.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidProvider, name, providerPattern)
	}
	return nil
}

// Names are the two collections a run touches.
type Names struct {
	Provider string
	Mode     Mode
	Primary  string
	Staging  string
}

// For returns the collection names for provider and mode.
func For(provider string, mode Mode) (Names, error) {
	if err := ValidateProvider(provider); err != nil {
		return Names{}, err
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return Names{}, err
	}
	primary := Primary(provider)
	return Names{
		Provider: provider,
		Mode:     mode,
		Primary:  primary,
		Staging:  primary + "_" + string(mode) + "_staging",
	}, nil
}

// Primary returns the served collection name for a provider. It does not
// validate; use For when the provider comes from user input.
func Primary(provider string) string {
	return provider + "_observations"
}
