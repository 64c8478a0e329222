package updatemanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/kanaime/updater/internal/updatemanager/types"
)

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		for m.step(ctx) {
		}
	}
}

// step performs the next action of the job. It reports whether another step should follow
// right away.
func (m *Manager) step(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	m.mu.Lock()
	job := m.job
	if job == nil {
		m.mu.Unlock()
		return false
	}

	if m.jobExpired() {
		switch job.State {
		case CheckingForUpdate, AwaitingDownloadStart, Downloading:
			m.transition(Failed, types.NetworkError("update job", errJobTimeout))
			m.mu.Unlock()
			return true
		}
	}

	switch job.State {
	case CheckingForUpdate:
		m.mu.Unlock()
		return m.runCheck(ctx, job.ID)
	case UpdateAvailable:
		if m.cfg.AutoDownload {
			m.transition(AwaitingDownloadStart, nil)
			m.mu.Unlock()
			return true
		}
	case AwaitingDownloadStart:
		job.resetAttempts(PhaseDownload)
		m.resetBackOff()
		m.transition(Downloading, nil)
		m.mu.Unlock()
		return true
	case Downloading:
		if job.TargetVersion == nil {
			m.transition(UnexpectedError, types.UnexpectedError("downloading without a target version"))
			m.mu.Unlock()
			return true
		}
		m.mu.Unlock()
		return m.runDownload(ctx, job.ID)
	case AwaitingInstallStart:
		if job.PackageLocation == "" {
			m.transition(UnexpectedError, types.UnexpectedError("no verified package to install"))
			m.mu.Unlock()
			return true
		}
		if m.cfg.AutoInstall || job.installApproved {
			m.mu.Unlock()
			return m.runInstall(ctx, job.ID)
		}
	}

	m.mu.Unlock()
	return false
}

// current reports whether the job is still the one the work was started for, in the expected
// state. The caller must hold the lock.
func (m *Manager) current(jobID string, state State) bool {
	return m.job != nil && m.job.ID == jobID && m.job.State == state
}

// jobExpired reports whether the maximum job duration elapsed. The caller must hold the lock.
func (m *Manager) jobExpired() bool {
	if m.cfg.MaxJobDuration <= 0 || m.job == nil {
		return false
	}
	return !m.now().Before(m.job.StartedAt.Add(m.cfg.MaxJobDuration))
}

// phaseContext derives the cancellable context of the in-flight phase, bounded by the job
// deadline. The caller must hold the lock.
func (m *Manager) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	var cancelDeadline context.CancelFunc = func() {}
	if m.cfg.MaxJobDuration > 0 {
		ctx, cancelDeadline = context.WithDeadline(ctx, m.job.StartedAt.Add(m.cfg.MaxJobDuration))
	}
	ctx, cancel := context.WithCancel(ctx)
	m.phaseCancel = cancel
	return ctx, func() {
		cancel()
		cancelDeadline()
	}
}

// beginPhase prepares an attempt of the check or download phase and waits for the backoff
// delay of a retried attempt. It returns nil if the attempt must not run.
func (m *Manager) beginPhase(ctx context.Context, jobID string, state State) (context.Context, context.CancelFunc) {
	m.mu.Lock()
	if !m.current(jobID, state) {
		m.mu.Unlock()
		return nil, nil
	}
	phaseCtx, cancel := m.phaseContext(ctx)
	delay := m.retryDelay
	m.retryDelay = 0
	m.mu.Unlock()

	if delay > 0 {
		log.Debugf("update job %s: next %s attempt in %s", jobID, state, delay)
		if err := sleepWithContext(phaseCtx, delay); err != nil {
			cancel()
			m.afterInterruptedWait(ctx, jobID, state)
			return nil, nil
		}
	}
	return phaseCtx, cancel
}

// afterInterruptedWait handles a backoff wait that ended early. A wait cut short by the job
// deadline fails the job, the next step picks it up.
func (m *Manager) afterInterruptedWait(ctx context.Context, jobID string, state State) {
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current(jobID, state) && m.jobExpired() {
		m.transition(Failed, types.NetworkError("update job", errJobTimeout))
	}
}

func (m *Manager) runCheck(ctx context.Context, jobID string) bool {
	phaseCtx, cancel := m.beginPhase(ctx, jobID, CheckingForUpdate)
	if phaseCtx == nil {
		return ctx.Err() == nil
	}

	desc, err := m.checker.Check(phaseCtx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseCancel = nil

	if ctx.Err() != nil {
		return false
	}
	if !m.current(jobID, CheckingForUpdate) {
		return true
	}

	switch {
	case err != nil && m.jobExpired():
		m.transition(Failed, types.NetworkError("check", errJobTimeout))
		return true
	case err != nil:
		m.phaseFailed(PhaseCheck, err)
		return true
	}

	latest, err := goversion.NewVersion(desc.Version)
	if err != nil {
		m.phaseFailed(PhaseCheck, types.MalformedResponseError("version %q: %v", desc.Version, err))
		return true
	}

	if !latest.GreaterThan(m.cfg.CurrentVersion) {
		log.Infof("update job %s: latest version %s, installed %s", jobID, latest, m.cfg.CurrentVersion)
		m.transition(UpToDate, nil)
		return true
	}

	job := m.job
	if !job.sameTarget(desc) {
		job.Progress = DownloadProgress{Total: desc.Size}
		job.PackageLocation = ""
	}
	job.TargetVersion = desc
	log.Infof("update job %s: new version %s available", jobID, desc.Version)
	m.transition(UpdateAvailable, nil)
	return true
}

func (m *Manager) runDownload(ctx context.Context, jobID string) bool {
	phaseCtx, cancel := m.beginPhase(ctx, jobID, Downloading)
	if phaseCtx == nil {
		return ctx.Err() == nil
	}
	defer cancel()

	m.mu.Lock()
	job := m.job
	desc := *job.TargetVersion
	resumeFrom := job.Progress.Received
	if job.PackageLocation != "" {
		// a verified package from a previous attempt is downloaded again
		job.PackageLocation = ""
		resumeFrom = 0
	}
	m.mu.Unlock()

	var (
		fetchErr error
		location string
	)
	for p, err := range m.fetcher.Fetch(phaseCtx, desc, resumeFrom) {
		if err != nil {
			fetchErr = err
			break
		}
		if !m.applyProgress(jobID, p) {
			break
		}
		if p.Done {
			location = p.Location
		}
	}
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseCancel = nil

	if ctx.Err() != nil {
		// keep the offset for the next start
		if m.job != nil && m.job.ID == jobID {
			m.persist(context.Background())
		}
		return false
	}
	if !m.current(jobID, Downloading) {
		return true
	}

	switch {
	case fetchErr != nil && m.jobExpired():
		m.transition(Failed, types.NetworkError("download", errJobTimeout))
	case fetchErr != nil:
		if errors.Is(fetchErr, types.ErrIntegrity) {
			m.job.Progress.Received = 0
		}
		m.phaseFailed(PhaseDownload, fetchErr)
	case location == "":
		m.transition(UnexpectedError, types.UnexpectedError("download of %s ended without a package", desc.Version))
	default:
		if m.job.Progress.Total == 0 {
			m.job.Progress.Total = m.job.Progress.Received
		}
		m.job.PackageLocation = location
		m.job.Progress.Received = m.job.Progress.Total
		m.transition(AwaitingInstallStart, nil)
	}
	return true
}

// applyProgress records a fetch step. It reports false when the download is no longer wanted.
func (m *Manager) applyProgress(jobID string, p types.Progress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(jobID, Downloading) {
		return false
	}
	m.progress(p)
	return true
}

// runInstall stops the engine, runs the installer and restarts the engine. The install itself
// is never interrupted, neither by Cancel nor by Stop.
func (m *Manager) runInstall(ctx context.Context, jobID string) bool {
	m.mu.Lock()
	if !m.current(jobID, AwaitingInstallStart) {
		m.mu.Unlock()
		return true
	}
	location := m.job.PackageLocation
	m.mu.Unlock()

	if err := m.engine.Stop(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.current(jobID, AwaitingInstallStart) {
			m.transition(UnexpectedError, types.UnexpectedError("stop engine: %v", err))
		}
		return true
	}

	m.mu.Lock()
	if !m.current(jobID, AwaitingInstallStart) || ctx.Err() != nil {
		m.mu.Unlock()
		log.Infof("update job %s: install withdrawn, bring the engine back", jobID)
		if err := m.restartEngine(ctx); err != nil {
			log.Errorf("failed to restart engine: %v", err)
		}
		return ctx.Err() == nil
	}
	m.job.installApproved = false
	m.job.resetAttempts(PhaseInstall)
	m.job.Attempts[PhaseInstall]++
	m.transition(Installing, nil)
	m.mu.Unlock()

	res := m.installer.Install(location)
	log.Infof("update job %s: installer finished: %s", jobID, res)
	restartErr := m.restartEngine(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(jobID, Installing) {
		log.Errorf("update job %s left Installing during the install", jobID)
		return false
	}

	switch {
	case res.Outcome == types.InstallFailure:
		if restartErr != nil {
			log.Errorf("failed to restart engine after failed install: %v", restartErr)
		}
		m.transition(UnexpectedError, types.UnexpectedError("install %s: %s", m.targetVersion(), res.Reason))
	case restartErr != nil:
		m.transition(UnexpectedError, types.UnexpectedError("restart engine: %v", restartErr))
	case res.Outcome == types.InstallSuccessRequiresRestart:
		m.transition(UpdateInstalledRestartRequired, nil)
	default:
		m.transition(UpdateInstalled, nil)
	}

	if res.Outcome != types.InstallFailure {
		if c, ok := m.fetcher.(cleaner); ok {
			if err := c.Cleanup(); err != nil {
				log.Warnf("failed to clean up downloaded packages: %v", err)
			}
		}
	}
	return true
}

// restartEngine is not bound to the worker context, the engine comes back even on shutdown
func (m *Manager) restartEngine(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), engineRestartTimeout)
	defer cancel()
	return m.engine.Restart(ctx)
}

// phaseFailed counts a failed attempt and either schedules the next one as a self-loop or
// fails the job. Faults outside the error taxonomy end the job in UnexpectedError. The caller
// must hold the lock.
func (m *Manager) phaseFailed(phase Phase, err error) {
	job := m.job
	job.Attempts[phase]++

	if types.Classify(err) == types.ClassUnexpected {
		m.transition(UnexpectedError, fmt.Errorf("%s: %w", phase, err))
		return
	}

	if types.Retryable(err) && job.Attempts[phase] < m.cfg.MaxAttempts {
		if m.backOff == nil {
			m.resetBackOff()
		}
		m.retryDelay = m.backOff.NextBackOff()
		m.transition(job.State, fmt.Errorf("attempt %d of %d: %w", job.Attempts[phase], m.cfg.MaxAttempts, err))
		return
	}

	if types.Retryable(err) {
		err = fmt.Errorf("%s failed after %d attempts: %w", phase, job.Attempts[phase], err)
	}
	m.transition(Failed, err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
