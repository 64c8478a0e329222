package installer

import (
	"context"
	"errors"
	"os/exec"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kanaime/updater/internal/updatemanager/types"
)

const (
	// PackagePlaceholder in the configured arguments is replaced by the package location
	PackagePlaceholder = "%package"

	DefaultResultTimeout = 15 * time.Minute
)

// DefaultRestartExitCodes follows the msiexec convention for "reboot required"
var DefaultRestartExitCodes = []int{3010}

type Config struct {
	Command          string        `yaml:"command"`
	Args             []string      `yaml:"args"`
	RestartExitCodes []int         `yaml:"restart_exit_codes"`
	ResultDir        string        `yaml:"result_dir"`
	ResultTimeout    time.Duration `yaml:"result_timeout"`
	DryRun           bool          `yaml:"dry_run"`
}

// Installer runs the platform installer for a verified package. It is not cancellable: once the
// command started the orchestrator waits for its outcome.
type Installer struct {
	cfg     Config
	results *ResultHandler
}

func New(cfg Config) *Installer {
	if len(cfg.RestartExitCodes) == 0 {
		cfg.RestartExitCodes = DefaultRestartExitCodes
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = DefaultResultTimeout
	}

	i := &Installer{cfg: cfg}
	if cfg.ResultDir != "" {
		i.results = NewResultHandler(cfg.ResultDir)
	}
	return i
}

// Install applies the package at location
func (i *Installer) Install(location string) types.InstallResult {
	if location == "" {
		return types.Failure("no package location")
	}

	if i.cfg.DryRun {
		log.Infof("dry run, skip installing %s", location)
		return types.Success()
	}

	if i.cfg.Command == "" {
		return types.Failure("no installer command configured")
	}

	cmd := exec.Command(i.cfg.Command, i.args(location)...)
	log.Infof("running installer: %s", cmd.String())

	if i.results != nil {
		return i.installWithResultFile(cmd)
	}

	return i.resultFromExit(cmd.Run())
}

func (i *Installer) args(location string) []string {
	args := make([]string, 0, len(i.cfg.Args)+1)
	replaced := false
	for _, a := range i.cfg.Args {
		if strings.Contains(a, PackagePlaceholder) {
			replaced = true
		}
		args = append(args, strings.ReplaceAll(a, PackagePlaceholder, location))
	}
	if !replaced {
		args = append(args, location)
	}
	return args
}

func (i *Installer) resultFromExit(err error) types.InstallResult {
	if err == nil {
		return types.Success()
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return types.Failure("failed to run installer: %v", err)
	}

	code := exitErr.ExitCode()
	if slices.Contains(i.cfg.RestartExitCodes, code) {
		log.Infof("installer finished with exit code %d, restart required", code)
		return types.SuccessRequiresRestart()
	}
	return types.Failure("installer exited with code %d", code)
}

// installWithResultFile starts the command and waits for the outcome it reports in result.json.
// The process may detach, so its exit code is only used when it fails before reporting.
func (i *Installer) installWithResultFile(cmd *exec.Cmd) types.InstallResult {
	if err := i.results.Cleanup(); err != nil {
		log.Warnf("failed to remove stale installer result: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return types.Failure("failed to start installer: %v", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.ResultTimeout)
	defer cancel()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	type watchResult struct {
		res Result
		err error
	}
	watched := make(chan watchResult, 1)
	go func() {
		res, err := i.results.Watch(watchCtx)
		watched <- watchResult{res: res, err: err}
	}()

	for {
		select {
		case w := <-watched:
			if w.err != nil {
				if errors.Is(w.err, context.DeadlineExceeded) {
					return types.Failure("no installer result within %s", i.cfg.ResultTimeout)
				}
				return types.Failure("failed to read installer result: %v", w.err)
			}
			return w.res.InstallResult()
		case err := <-exited:
			exited = nil
			if err == nil {
				continue
			}
			if res := i.resultFromExit(err); res.Outcome == types.InstallFailure {
				// give the installer a short grace period in case it reported before failing
				select {
				case w := <-watched:
					if w.err == nil {
						return w.res.InstallResult()
					}
				case <-time.After(time.Second):
				}
				return res
			}
		}
	}
}
