package updatemanager

import (
	"maps"
	"time"

	"github.com/kanaime/updater/internal/updatemanager/types"
)

const jobStateName = "update_job"

// JobError is the classified failure recorded in the job and its events
type JobError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

func newJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	return &JobError{
		Class:   types.Classify(err),
		Message: err.Error(),
	}
}

func (e *JobError) String() string {
	if e == nil {
		return ""
	}
	return e.Class + ": " + e.Message
}

// DownloadProgress counts the package bytes received so far
type DownloadProgress struct {
	Received int64 `json:"received"`
	Total    int64 `json:"total"`
}

// Job is the single active unit of update work. It is persisted on every transition.
type Job struct {
	ID              string            `json:"id"`
	State           State             `json:"state"`
	TargetVersion   *types.Descriptor `json:"target_version,omitempty"`
	Progress        DownloadProgress  `json:"download_progress"`
	PackageLocation string            `json:"package_location,omitempty"`
	Attempts        map[Phase]int     `json:"attempts"`
	LastError       *JobError         `json:"last_error,omitempty"`
	// Observed is set once a terminal event reached a subscriber
	Observed bool `json:"observed,omitempty"`
	// StartedAt opens the window bounded by the maximum job duration
	StartedAt time.Time `json:"started_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	installApproved bool
}

func newJob(id string, now time.Time) *Job {
	return &Job{
		ID:        id,
		State:     Idle,
		Attempts:  make(map[Phase]int),
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Name implements statemanager.State
func (j *Job) Name() string {
	return jobStateName
}

// Clone returns a copy which does not share mutable fields with j
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Attempts = maps.Clone(j.Attempts)
	if c.Attempts == nil {
		c.Attempts = make(map[Phase]int)
	}
	if j.TargetVersion != nil {
		desc := *j.TargetVersion
		c.TargetVersion = &desc
	}
	if j.LastError != nil {
		jobErr := *j.LastError
		c.LastError = &jobErr
	}
	return &c
}

func (j *Job) resetAttempts(phase Phase) {
	if j.Attempts == nil {
		j.Attempts = make(map[Phase]int)
	}
	j.Attempts[phase] = 0
}

func (j *Job) sameTarget(desc *types.Descriptor) bool {
	if j.TargetVersion == nil || desc == nil {
		return false
	}
	return j.TargetVersion.Version == desc.Version &&
		j.TargetVersion.URL == desc.URL &&
		j.TargetVersion.Checksum == desc.Checksum
}
