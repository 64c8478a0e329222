package updatemanager

import (
	"fmt"
)

// State of an update job
type State int

const (
	Idle State = iota
	CheckingForUpdate
	UpdateAvailable
	AwaitingDownloadStart
	Downloading
	AwaitingInstallStart
	Installing
	Paused
	UpToDate
	NoUpdateAvailable
	UpdateInstalled
	UpdateInstalledRestartRequired
	Failed
	UnexpectedError
)

var stateNames = [...]string{
	Idle:                           "Idle",
	CheckingForUpdate:              "CheckingForUpdate",
	UpdateAvailable:                "UpdateAvailable",
	AwaitingDownloadStart:          "AwaitingDownloadStart",
	Downloading:                    "Downloading",
	AwaitingInstallStart:           "AwaitingInstallStart",
	Installing:                     "Installing",
	Paused:                         "Paused",
	UpToDate:                       "UpToDate",
	NoUpdateAvailable:              "NoUpdateAvailable",
	UpdateInstalled:                "UpdateInstalled",
	UpdateInstalledRestartRequired: "UpdateInstalledRestartRequired",
	Failed:                         "Failed",
	UnexpectedError:                "UnexpectedError",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transition can leave s
func (s State) IsTerminal() bool {
	switch s {
	case UpToDate, NoUpdateAvailable, UpdateInstalled, UpdateInstalledRestartRequired, UnexpectedError:
		return true
	default:
		return false
	}
}

// ParseState is the inverse of State.String
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown update state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid update state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Phase owns a retry budget
type Phase string

const (
	PhaseCheck    Phase = "check"
	PhaseDownload Phase = "download"
	PhaseInstall  Phase = "install"
)
