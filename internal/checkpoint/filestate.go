package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// maxFileRuns bounds the YAML history so the file stays readable.
const maxFileRuns = 200

// FileState implements StateBackend using a single YAML file.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

var _ StateBackend = (*FileState)(nil)

type fileStateData struct {
	Runs []Run `yaml:"runs"`
}

// NewFileState creates a file-based history. If the file exists, it loads it.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{path: path, state: &fileStateData{}}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating state dir: %w", err)
			}
		}
	case err != nil:
		return nil, fmt.Errorf("reading state file: %w", err)
	default:
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
	}
	return fs, nil
}

// save writes the current state to the YAML file via a temp file rename.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (fs *FileState) SaveRun(r Run) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	replaced := false
	for i := range fs.state.Runs {
		if fs.state.Runs[i].ID == r.ID {
			fs.state.Runs[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		fs.state.Runs = append(fs.state.Runs, r)
	}
	sort.SliceStable(fs.state.Runs, func(i, j int) bool {
		return fs.state.Runs[i].StartedAt.After(fs.state.Runs[j].StartedAt)
	})
	if len(fs.state.Runs) > maxFileRuns {
		fs.state.Runs = fs.state.Runs[:maxFileRuns]
	}
	return fs.save()
}

func (fs *FileState) GetRun(id string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, r := range fs.state.Runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, nil
}

func (fs *FileState) GetLastRun(provider string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	// Runs are kept newest first.
	for _, r := range fs.state.Runs {
		if r.Provider == provider {
			return &r, nil
		}
	}
	return nil, nil
}

func (fs *FileState) GetAllRuns(limit int) ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	runs := fs.state.Runs
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return append([]Run(nil), runs...), nil
}

func (fs *FileState) GetActiveRuns() ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var active []Run
	for i := len(fs.state.Runs) - 1; i >= 0; i-- {
		if fs.state.Runs[i].Active() {
			active = append(active, fs.state.Runs[i])
		}
	}
	return active, nil
}

func (fs *FileState) CleanupOldRuns(olderThan time.Duration) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := fs.state.Runs[:0]
	removed := 0
	for _, r := range fs.state.Runs {
		if !r.Active() && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	fs.state.Runs = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, fs.save()
}

// Close is a no-op; every change is already on disk.
func (fs *FileState) Close() error {
	return nil
}
