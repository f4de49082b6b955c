package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/obs-harvest/internal/logging"
)

// Update is a JSON progress line for schedulers that scrape stderr.
type Update struct {
	Timestamp        string `json:"timestamp"`
	RunID            string `json:"run_id"`
	Provider         string `json:"provider"`
	Mode             string `json:"mode"`
	Phase            string `json:"phase"`
	RecordsHarvested int64  `json:"records_harvested"`
	RecordsFailed    int64  `json:"records_failed,omitempty"`
	Pages            int    `json:"pages"`
	RecordsPerSecond int64  `json:"records_per_second,omitempty"`
	Watermark        string `json:"watermark,omitempty"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update Update)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update Update)
	Close()
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer   io.Writer
	mu       sync.Mutex
	interval time.Duration
	// last report per provider so one busy provider cannot starve the others
	lastReport map[string]time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between updates per provider.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:     writer,
		interval:   interval,
		lastReport: make(map[string]time.Time),
	}
}

func (r *JSONReporter) Report(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport[update.Provider]) < r.interval {
		return
	}
	r.emit(update, now)
}

func (r *JSONReporter) ReportImmediate(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.emit(update, time.Now())
}

func (r *JSONReporter) emit(update Update, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}
	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport[update.Provider] = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

func (NullReporter) Report(Update)          {}
func (NullReporter) ReportImmediate(Update) {}
func (NullReporter) Close()                 {}
