package progress

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johndauphine/obs-harvest/internal/logging"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Tracker renders a records-harvested bar across concurrently running providers.
type Tracker struct {
	bar       *progressbar.ProgressBar
	current   atomic.Int64
	startTime time.Time

	mu     sync.Mutex
	active map[string]bool
}

// New creates a tracker. total <= 0 renders a spinner, since a provider's
// size is usually unknown until it is exhausted.
func New(total int64) *Tracker {
	t := &Tracker{
		startTime: time.Now(),
		active:    make(map[string]bool),
	}
	if total <= 0 {
		total = -1
	}
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Harvesting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	return t
}

// Interactive reports whether stderr is a terminal worth drawing a bar on.
func Interactive() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// Add increments the progress counter
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	t.bar.Add64(n)
}

// StartProvider marks a provider as actively harvesting.
func (t *Tracker) StartProvider(name string) {
	t.mu.Lock()
	t.active[name] = true
	t.mu.Unlock()
	t.describe()
}

// EndProvider marks a provider as done.
func (t *Tracker) EndProvider(name string) {
	t.mu.Lock()
	delete(t.active, name)
	t.mu.Unlock()
	t.describe()
}

func (t *Tracker) describe() {
	t.mu.Lock()
	n := len(t.active)
	var only string
	for name := range t.active {
		only = name
	}
	t.mu.Unlock()

	switch {
	case n == 1:
		t.bar.Describe(fmt.Sprintf("Harvesting %s", only))
	case n > 1:
		t.bar.Describe(fmt.Sprintf("Harvesting (%d providers)", n))
	}
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	t.bar.Finish()

	elapsed := time.Since(t.startTime)
	perSec := float64(t.current.Load()) / elapsed.Seconds()

	fmt.Fprintln(os.Stderr)
	logging.Info("Harvest complete: %d records in %s (%.0f records/sec)",
		t.current.Load(), elapsed.Round(time.Second), perSec)
}
