// Package cutover promotes a staging collection to primary when it is not a
// regression of what is currently served.
package cutover

import (
	"context"
	"fmt"
	"math"

	"github.com/johndauphine/obs-harvest/internal/logging"
	"github.com/johndauphine/obs-harvest/internal/store"
)

// DefaultMinRatio is the smallest staging/primary size ratio accepted.
const DefaultMinRatio = 0.8

// Decision records the counts a cutover was judged on.
type Decision struct {
	Provider     string  `json:"provider"`
	Primary      string  `json:"primary"`
	Staging      string  `json:"staging"`
	PrimaryCount int64   `json:"primary_count"`
	StagingCount int64   `json:"staging_count"`
	MinRatio     float64 `json:"min_ratio"`
	// Threshold is the staging count needed for acceptance.
	Threshold float64 `json:"threshold"`
	Accepted  bool    `json:"accepted"`
}

// Reason explains the decision in one line.
func (d Decision) Reason() string {
	if d.PrimaryCount == 0 {
		return fmt.Sprintf("no primary records, accepting %d staged", d.StagingCount)
	}
	if d.Accepted {
		return fmt.Sprintf("staging %d >= %.0f (%.2f x primary %d)", d.StagingCount, d.Threshold, d.MinRatio, d.PrimaryCount)
	}
	return fmt.Sprintf("regression: staging %d < %.0f (%.2f x primary %d)", d.StagingCount, d.Threshold, d.MinRatio, d.PrimaryCount)
}

// Manager evaluates and performs cutovers.
type Manager struct {
	store store.Store
}

func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// Evaluate counts both collections and judges them without renaming.
// A missing primary counts as empty. A ratio of 0 accepts any staging; a
// negative or NaN ratio falls back to DefaultMinRatio.
func (m *Manager) Evaluate(ctx context.Context, provider, primary, staging string, minRatio float64) (Decision, error) {
	if minRatio < 0 || math.IsNaN(minRatio) {
		minRatio = DefaultMinRatio
	}
	d := Decision{Provider: provider, Primary: primary, Staging: staging, MinRatio: minRatio}

	var err error
	if d.StagingCount, err = m.store.Count(ctx, staging); err != nil {
		return d, fmt.Errorf("counting staging %s: %w", staging, err)
	}
	if d.PrimaryCount, err = m.store.Count(ctx, primary); err != nil {
		return d, fmt.Errorf("counting primary %s: %w", primary, err)
	}
	d.Threshold = minRatio * float64(d.PrimaryCount)
	d.Accepted = d.PrimaryCount == 0 || float64(d.StagingCount) >= d.Threshold
	return d, nil
}

// TryCutover renames staging over primary if Evaluate accepts it. A
// rejected cutover leaves both collections untouched.
func (m *Manager) TryCutover(ctx context.Context, provider, primary, staging string, minRatio float64) (Decision, error) {
	log := logging.ForProvider(provider)

	d, err := m.Evaluate(ctx, provider, primary, staging, minRatio)
	if err != nil {
		return d, err
	}
	if !d.Accepted {
		log.Warn("cutover rejected: %s", d.Reason())
		return d, nil
	}
	if err := m.store.RenameCollection(ctx, staging, primary); err != nil {
		d.Accepted = false
		return d, fmt.Errorf("cutover %s -> %s: %w", staging, primary, err)
	}
	log.Info("cutover complete: %s -> %s (%s)", staging, primary, d.Reason())
	return d, nil
}
