package updatemanager

import (
	"time"
)

// StateChangedEvent is emitted for every transition of a job, including the self-loops of
// download progress and of retried attempts.
type StateChangedEvent struct {
	JobID     string
	From      State
	To        State
	Timestamp time.Time
	// Error is set when the transition was caused by a failure
	Error    *JobError
	Progress DownloadProgress
}

// IsProgress reports whether the event is a download progress tick
func (e StateChangedEvent) IsProgress() bool {
	return e.From == Downloading && e.To == Downloading && e.Error == nil
}
