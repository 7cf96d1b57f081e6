package tracker

import "time"

// Status is the coarse scanning state shown to listeners.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusScanning Status = "scanning"
)

// Scan is a confirmed presentation of a tag.
type Scan struct {
	TagID        string
	FirstValidAt time.Time
	LastAt       time.Time
	Duration     time.Duration
}

// DurationMs returns Duration in whole milliseconds.
func (s Scan) DurationMs() int64 {
	return s.Duration.Milliseconds()
}

// Sink receives tracker output. Methods may be called from timer
// goroutines and must not call back into the Tracker.
type Sink interface {
	// StatusChanged reports idle or scanning; tagID is empty for idle.
	StatusChanged(status Status, tagID string)

	// ScanConfirmed reports one confirmed presentation.
	ScanConfirmed(scan Scan)

	// ReadingObserved passes every valid reading through, unfiltered.
	ReadingObserved(r Reading)
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
