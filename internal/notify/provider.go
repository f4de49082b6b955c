package notify

import "time"

// Provider is the notification contract for harvest run events.
type Provider interface {
	HarvestStarted(runID, provider, mode string) error
	HarvestCompleted(runID, provider, mode string, duration time.Duration, count int64, failed int64) error
	HarvestFailed(runID, provider string, err error, duration time.Duration) error
	// HarvestRejected reports a cutover refused by the regression guard.
	HarvestRejected(runID, provider string, stagingCount, primaryCount int64, minRatio float64) error
	HarvestCanceled(runID, provider string, count int64, duration time.Duration) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)

// Nop discards every event.
type Nop struct{}

func (Nop) HarvestStarted(string, string, string) error { return nil }

func (Nop) HarvestCompleted(string, string, string, time.Duration, int64, int64) error { return nil }

func (Nop) HarvestFailed(string, string, error, time.Duration) error { return nil }

func (Nop) HarvestRejected(string, string, int64, int64, float64) error { return nil }

func (Nop) HarvestCanceled(string, string, int64, time.Duration) error { return nil }
