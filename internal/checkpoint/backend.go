package checkpoint

import (
	"fmt"
	"time"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Run is the persisted record of one harvest run.
type Run struct {
	ID            string     `yaml:"id" json:"id"`
	Provider      string     `yaml:"provider" json:"provider"`
	Mode          string     `yaml:"mode" json:"mode"`
	Status        string     `yaml:"status" json:"status"`
	StartedAt     time.Time  `yaml:"started_at" json:"started_at"`
	CompletedAt   *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Count         int64      `yaml:"count" json:"count"`
	Failed        int64      `yaml:"failed,omitempty" json:"failed,omitempty"`
	FailedBatches int        `yaml:"failed_batches,omitempty" json:"failed_batches,omitempty"`
	Watermark     string     `yaml:"watermark,omitempty" json:"watermark,omitempty"`
	PrimaryCount  int64      `yaml:"primary_count,omitempty" json:"primary_count,omitempty"`
	StagingCount  int64      `yaml:"staging_count,omitempty" json:"staging_count,omitempty"`
	Rejected      bool       `yaml:"rejected,omitempty" json:"rejected,omitempty"`
	Error         string     `yaml:"error,omitempty" json:"error,omitempty"`
	ConfigHash    string     `yaml:"config_hash,omitempty" json:"config_hash,omitempty"`
}

// Duration is the elapsed time of the run, up to now if it is still active.
func (r Run) Duration() time.Duration {
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(r.StartedAt).Round(time.Second)
}

// Active reports whether the run has not finished.
func (r Run) Active() bool {
	return r.Status == StatusRunning
}

// StateBackend persists run history. Implementations: SQLite (State) and a
// single YAML file (FileState) for headless schedulers without a writable
// data directory.
type StateBackend interface {
	// SaveRun inserts or replaces the run with r.ID.
	SaveRun(r Run) error
	// GetRun returns nil if no run has the id.
	GetRun(id string) (*Run, error)
	// GetLastRun returns the newest run for provider, or nil.
	GetLastRun(provider string) (*Run, error)
	// GetAllRuns returns up to limit runs, newest first. limit <= 0 means all.
	GetAllRuns(limit int) ([]Run, error)
	GetActiveRuns() ([]Run, error)
	// CleanupOldRuns deletes finished runs completed before now - olderThan.
	CleanupOldRuns(olderThan time.Duration) (int, error)
	Close() error
}

// Open returns the file backend when stateFile is set, otherwise the SQLite
// backend under dataDir.
func Open(dataDir, stateFile string) (StateBackend, error) {
	if stateFile != "" {
		fs, err := NewFileState(stateFile)
		if err != nil {
			return nil, fmt.Errorf("opening state file: %w", err)
		}
		return fs, nil
	}
	s, err := New(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}
	return s, nil
}
