package harvest

import (
	"errors"
	"time"

	"github.com/johndauphine/obs-harvest/internal/checkpoint"
	"github.com/johndauphine/obs-harvest/internal/collection"
	"github.com/johndauphine/obs-harvest/internal/cutover"
	"github.com/johndauphine/obs-harvest/internal/watermark"
)

// Status is the outcome of a run.
type Status string

const (
	Running  Status = checkpoint.StatusRunning
	Success  Status = checkpoint.StatusSuccess
	Failed   Status = checkpoint.StatusFailed
	Canceled Status = checkpoint.StatusCanceled
)

// Run describes one harvest of one provider.
type Run struct {
	ID        string          `json:"run_id"`
	Provider  string          `json:"provider"`
	Mode      collection.Mode `json:"mode"`
	Status    Status          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
	// Count is the number of records written to staging by this run.
	Count         int64               `json:"count"`
	Failed        int64               `json:"failed_records,omitempty"`
	FailedBatches int                 `json:"failed_batches,omitempty"`
	Pages         int                 `json:"pages"`
	Primary       string              `json:"primary"`
	Staging       string              `json:"staging"`
	Resumed       bool                `json:"resumed,omitempty"`
	Watermark     watermark.Watermark `json:"watermark"`
	Cutover       *cutover.Decision   `json:"cutover,omitempty"`
	Error         string              `json:"error,omitempty"`

	err error
}

// Err returns the error that ended the run, if any.
func (r *Run) Err() error {
	if r.err == nil && r.Error != "" {
		return errors.New(r.Error)
	}
	return r.err
}

// Rejected reports whether the run failed because cutover was refused.
func (r *Run) Rejected() bool {
	return r.Cutover != nil && !r.Cutover.Accepted
}

// Duration is the wall time of the run.
func (r *Run) Duration() time.Duration {
	end := r.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.StartedAt)
}

func (r *Run) fail(err error) {
	r.Status = Failed
	r.err = err
	r.Error = err.Error()
}

func (r *Run) cancel(err error) {
	r.Status = Canceled
	r.err = err
	r.Error = err.Error()
}

func (r *Run) record(configHash string) checkpoint.Run {
	cr := checkpoint.Run{
		ID:            r.ID,
		Provider:      r.Provider,
		Mode:          string(r.Mode),
		Status:        string(r.Status),
		StartedAt:     r.StartedAt,
		Count:         r.Count,
		Failed:        r.Failed,
		FailedBatches: r.FailedBatches,
		Watermark:     r.Watermark.String(),
		Rejected:      r.Rejected(),
		Error:         r.Error,
		ConfigHash:    configHash,
	}
	if !r.EndedAt.IsZero() {
		ended := r.EndedAt
		cr.CompletedAt = &ended
	}
	if r.Cutover != nil {
		cr.PrimaryCount = r.Cutover.PrimaryCount
		cr.StagingCount = r.Cutover.StagingCount
	}
	return cr
}

// Progress is reported after every chunk durably written to staging.
type Progress struct {
	RunID     string
	Provider  string
	Mode      collection.Mode
	Phase     string
	Count     int64
	Delta     int64
	Failed    int64
	Pages     int
	Watermark watermark.Watermark
}

// Phases reported through Progress.
const (
	PhasePreparing  = "preparing"
	PhaseHarvesting = "harvesting"
	PhaseCutover    = "cutover"
	PhaseDone       = "done"
)
