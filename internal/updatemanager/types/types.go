package types

import (
	"fmt"
	"strings"
)

// Descriptor describes a released package as announced by the version source
type Descriptor struct {
	Version      string `json:"version" yaml:"version"`
	URL          string `json:"url" yaml:"url"`
	Size         int64  `json:"size,omitempty" yaml:"size,omitempty"`
	Checksum     string `json:"checksum" yaml:"checksum"`
	ReleaseNotes string `json:"release_notes,omitempty" yaml:"release_notes,omitempty"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s)", d.Version, d.URL)
}

// Progress is a single step of a package fetch
type Progress struct {
	Received int64
	Total    int64
	// Done is set on the last step, after the integrity check passed
	Done     bool
	Location string
}

type InstallOutcome int

const (
	InstallFailure InstallOutcome = iota
	InstallSuccess
	InstallSuccessRequiresRestart
)

func (o InstallOutcome) String() string {
	switch o {
	case InstallSuccess:
		return "Success"
	case InstallSuccessRequiresRestart:
		return "SuccessRequiresRestart"
	default:
		return "Failure"
	}
}

// InstallResult is the outcome of a single installer run
type InstallResult struct {
	Outcome InstallOutcome
	Reason  string
}

func Success() InstallResult {
	return InstallResult{Outcome: InstallSuccess}
}

func SuccessRequiresRestart() InstallResult {
	return InstallResult{Outcome: InstallSuccessRequiresRestart}
}

func Failure(format string, a ...any) InstallResult {
	return InstallResult{Outcome: InstallFailure, Reason: fmt.Sprintf(format, a...)}
}

func (r InstallResult) String() string {
	if r.Outcome == InstallFailure && r.Reason != "" {
		return fmt.Sprintf("%s(%s)", r.Outcome, strings.TrimSpace(r.Reason))
	}
	return r.Outcome.String()
}
