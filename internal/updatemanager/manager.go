package updatemanager

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/kanaime/updater/internal/publisher"
	"github.com/kanaime/updater/internal/statemanager"
	"github.com/kanaime/updater/internal/updatemanager/types"
)

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultJobRetention   = 24 * time.Hour

	// progressPersistInterval throttles writes of the job record during a download
	progressPersistInterval = time.Second
	engineRestartTimeout    = 2 * time.Minute
)

var (
	errNotStarted = errors.New("update manager is not running")
	errJobTimeout = errors.New("job exceeded its maximum duration")
)

// VersionChecker asks the release source for the latest version
type VersionChecker interface {
	Check(ctx context.Context) (*types.Descriptor, error)
}

// PackageFetcher downloads and verifies a package, resuming from the given offset when possible
type PackageFetcher interface {
	Fetch(ctx context.Context, desc types.Descriptor, resumeFrom int64) iter.Seq2[types.Progress, error]
}

// Installer applies a verified package. The call cannot be cancelled.
type Installer interface {
	Install(location string) types.InstallResult
}

// EngineController stops the conversion engine before an install and brings it back afterwards
type EngineController interface {
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}

// cleaner is implemented by fetchers that keep downloaded artifacts around
type cleaner interface {
	Cleanup() error
}

type Config struct {
	// CurrentVersion is the installed version, a descriptor must be greater to be offered
	CurrentVersion *goversion.Version
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxJobDuration bounds the check and download phases of a job, zero disables it
	MaxJobDuration time.Duration
	JobRetention   time.Duration
	AutoDownload   bool
	AutoInstall    bool

	SubscriberBuffer int
	HistorySize      int
}

// Components are the collaborators driven by the Manager
type Components struct {
	Checker   VersionChecker
	Fetcher   PackageFetcher
	Installer Installer
	Engine    EngineController
	Store     *statemanager.Manager
}

// Manager owns the update job. Control calls validate and transition synchronously, a single
// worker goroutine runs the check, download and install phases.
type Manager struct {
	cfg       Config
	checker   VersionChecker
	fetcher   PackageFetcher
	installer Installer
	engine    EngineController
	store     *statemanager.Manager
	publisher *publisher.Publisher[StateChangedEvent]

	now        func() time.Time
	newBackOff func() backoff.BackOff

	mu          sync.Mutex
	job         *Job
	phaseCancel context.CancelFunc
	backOff     backoff.BackOff
	retryDelay  time.Duration
	persistedAt time.Time

	wake    chan struct{}
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

func New(cfg Config, c Components) (*Manager, error) {
	switch {
	case c.Checker == nil:
		return nil, errors.New("missing version checker")
	case c.Fetcher == nil:
		return nil, errors.New("missing package fetcher")
	case c.Installer == nil:
		return nil, errors.New("missing installer")
	case c.Engine == nil:
		return nil, errors.New("missing engine controller")
	case c.Store == nil:
		return nil, errors.New("missing state store")
	}

	if cfg.CurrentVersion == nil {
		cfg.CurrentVersion = goversion.Must(goversion.NewVersion("0.0.0"))
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.InitialBackoff)
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = DefaultJobRetention
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = publisher.DefaultHistorySize
	}

	m := &Manager{
		cfg:       cfg,
		checker:   c.Checker,
		fetcher:   c.Fetcher,
		installer: c.Installer,
		engine:    c.Engine,
		store:     c.Store,
		publisher: publisher.New[StateChangedEvent](cfg.SubscriberBuffer, cfg.HistorySize),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	m.newBackOff = m.defaultBackOff
	return m, nil
}

func (m *Manager) defaultBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         m.cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

// Start restores the persisted job and starts the worker. An install that was interrupted by
// a crash is surfaced as UnexpectedError and never retried.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil || m.stopped {
		return errors.New("update manager already started")
	}

	if err := m.restore(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(ctx)

	m.notify()
	return nil
}

func (m *Manager) restore(ctx context.Context) error {
	job := &Job{}
	found, err := m.store.LoadState(job)
	if err != nil {
		log.Warnf("failed to load persisted update job, starting clean: %v", err)
		return nil
	}
	if !found {
		return nil
	}
	if job.Attempts == nil {
		job.Attempts = make(map[Phase]int)
	}

	if m.prunable(job, true) {
		log.Infof("discarding finished update job %s (%s)", job.ID, job.State)
		if err := m.store.DeleteState(ctx, job); err != nil {
			return fmt.Errorf("delete finished update job: %w", err)
		}
		return nil
	}

	log.Infof("restored update job %s in state %s", job.ID, job.State)
	m.job = job

	switch job.State {
	case Installing:
		m.transition(UnexpectedError, types.UnexpectedError("installation of %s was interrupted", m.targetVersion()))
	case CheckingForUpdate, AwaitingDownloadStart, Downloading:
		// the persisted deadline window belongs to the previous process
		job.StartedAt = m.now()
	}
	return nil
}

// Stop cancels in-flight work and waits for the worker. A running install is waited for.
// A stopped Manager cannot be started again.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.stopped = true
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.persist(context.Background())
	m.mu.Unlock()

	m.publisher.Close()
}

// RequestUpdateCheck starts a new job, or returns the id of the active one. An idle job, left
// behind by Cancel, is restarted in place.
func (m *Manager) RequestUpdateCheck() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return "", errNotStarted
	}

	if m.job != nil && !m.job.State.IsTerminal() {
		if m.job.State == Idle {
			m.startCheck()
		}
		return m.job.ID, nil
	}

	if m.job != nil {
		log.Debugf("replacing finished update job %s (%s)", m.job.ID, m.job.State)
	}

	m.job = newJob(uuid.NewString(), m.now())
	log.Infof("created update job %s", m.job.ID)
	m.startCheck()
	return m.job.ID, nil
}

// startCheck enters the check phase with a fresh budget. The caller must hold the lock.
func (m *Manager) startCheck() {
	m.job.resetAttempts(PhaseCheck)
	m.job.StartedAt = m.now()
	m.resetBackOff()
	m.transition(CheckingForUpdate, nil)
	m.notify()
}

// Pause stops a running download. The partial package is kept for Resume.
func (m *Manager) Pause(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.expect(jobID, "pause", Downloading); err != nil {
		return err
	}

	m.cancelPhase()
	m.transition(Paused, nil)
	return nil
}

// Resume continues a paused download from the recorded offset
func (m *Manager) Resume(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.expect(jobID, "resume", Paused); err != nil {
		return err
	}

	m.job.StartedAt = m.now()
	m.retryDelay = 0
	m.transition(Downloading, nil)
	m.notify()
	return nil
}

// Cancel abandons in-flight work and moves the job back to Idle. It is rejected once the
// install started.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.expect(jobID, "cancel",
		CheckingForUpdate, UpdateAvailable, AwaitingDownloadStart, Downloading, Paused, AwaitingInstallStart); err != nil {
		return err
	}

	m.cancelPhase()
	m.job.installApproved = false
	m.transition(Idle, nil)
	return nil
}

// Confirm accepts an available update when downloads are not started automatically
func (m *Manager) Confirm(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.expect(jobID, "confirm", UpdateAvailable); err != nil {
		return err
	}

	m.transition(AwaitingDownloadStart, nil)
	m.notify()
	return nil
}

// Install approves the installation of a downloaded package when installs are not started
// automatically. The engine is stopped and the job enters Installing asynchronously.
func (m *Manager) Install(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.expect(jobID, "install", AwaitingInstallStart); err != nil {
		return err
	}

	m.job.installApproved = true
	m.notify()
	return nil
}

// Retry starts a failed job over from the check phase
func (m *Manager) Retry(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.expect(jobID, "retry", Failed); err != nil {
		return err
	}

	m.startCheck()
	return nil
}

// GiveUp finishes a failed job without an update
func (m *Manager) GiveUp(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.expect(jobID, "give up", Failed); err != nil {
		return err
	}

	m.transition(NoUpdateAvailable, nil)
	return nil
}

// Status returns a copy of the current job, nil when there is none. A finished job past its
// retention window is discarded.
func (m *Manager) Status() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job != nil && m.prunable(m.job, false) {
		log.Infof("discarding finished update job %s (%s)", m.job.ID, m.job.State)
		if err := m.store.DeleteState(context.Background(), m.job); err != nil {
			log.Errorf("failed to delete finished update job: %v", err)
		}
		m.job = nil
	}
	return m.job.Clone()
}

// Subscribe registers an observer of state changes
func (m *Manager) Subscribe() *publisher.Subscription[StateChangedEvent] {
	return m.publisher.Subscribe()
}

func (m *Manager) Unsubscribe(sub *publisher.Subscription[StateChangedEvent]) {
	m.publisher.Unsubscribe(sub)
}

// History returns the most recent events, oldest first
func (m *Manager) History() []StateChangedEvent {
	return m.publisher.History()
}

// expect validates a control call. The caller must hold the lock.
func (m *Manager) expect(jobID, op string, allowed ...State) error {
	if m.job == nil || m.job.ID != jobID {
		return fmt.Errorf("%w: %s: unknown job %q", types.ErrInvalidState, op, jobID)
	}
	for _, s := range allowed {
		if m.job.State == s {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s job %s in state %s", types.ErrInvalidState, op, jobID, m.job.State)
}

// prunable reports whether a finished job can be forgotten. With withObserved unset only the
// retention window counts.
func (m *Manager) prunable(job *Job, withObserved bool) bool {
	if !job.State.IsTerminal() {
		return false
	}
	if withObserved && job.Observed {
		return true
	}
	return m.now().Sub(job.UpdatedAt) >= m.cfg.JobRetention
}

// transition moves the job to state to, persists it and publishes the event before the
// worker takes its next action. The caller must hold the lock.
func (m *Manager) transition(to State, cause error) {
	job := m.job
	from := job.State
	if from.IsTerminal() {
		log.Errorf("update job %s: refusing transition %s -> %s of a finished job", job.ID, from, to)
		return
	}

	job.State = to
	job.UpdatedAt = m.now()
	switch {
	case cause != nil:
		job.LastError = newJobError(cause)
	case from != to:
		job.LastError = nil
	}

	m.persist(context.Background())

	ev := StateChangedEvent{
		JobID:     job.ID,
		From:      from,
		To:        to,
		Timestamp: job.UpdatedAt,
		Error:     newJobError(cause),
		Progress:  job.Progress,
	}
	if cause != nil {
		log.Warnf("update job %s: %s -> %s: %v", job.ID, from, to, cause)
	} else {
		log.Infof("update job %s: %s -> %s", job.ID, from, to)
	}

	delivered := m.publisher.Publish(ev)
	if to.IsTerminal() && delivered > 0 {
		job.Observed = true
		m.persist(context.Background())
	}
}

// progress records a download step and publishes it as a Downloading self-loop. The caller
// must hold the lock.
func (m *Manager) progress(p types.Progress) {
	job := m.job
	total := p.Total
	if total <= 0 && job.TargetVersion != nil {
		total = job.TargetVersion.Size
	}
	if p.Received < job.Progress.Received {
		log.Infof("update job %s: download restarted at %d bytes", job.ID, p.Received)
	}
	job.Progress = DownloadProgress{Received: p.Received, Total: total}
	job.UpdatedAt = m.now()

	if job.UpdatedAt.Sub(m.persistedAt) >= progressPersistInterval {
		m.persist(context.Background())
	}

	m.publisher.Publish(StateChangedEvent{
		JobID:     job.ID,
		From:      Downloading,
		To:        Downloading,
		Timestamp: job.UpdatedAt,
		Progress:  job.Progress,
	})
}

// persist writes the job record. The caller must hold the lock.
func (m *Manager) persist(ctx context.Context) {
	if m.job == nil {
		return
	}
	if err := m.store.UpdateState(ctx, m.job); err != nil {
		log.Errorf("failed to persist update job %s: %v", m.job.ID, err)
		return
	}
	m.persistedAt = m.now()
}

// notify wakes the worker without blocking
func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// cancelPhase interrupts the in-flight check or download. The caller must hold the lock.
func (m *Manager) cancelPhase() {
	if m.phaseCancel != nil {
		m.phaseCancel()
		m.phaseCancel = nil
	}
}

func (m *Manager) resetBackOff() {
	m.backOff = m.newBackOff()
	m.backOff.Reset()
	m.retryDelay = 0
}

func (m *Manager) targetVersion() string {
	if m.job == nil || m.job.TargetVersion == nil {
		return "unknown version"
	}
	return m.job.TargetVersion.Version
}
