package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kanaime/updater/internal/config"
	"github.com/kanaime/updater/internal/engine"
	"github.com/kanaime/updater/internal/metrics"
	"github.com/kanaime/updater/internal/publisher"
	"github.com/kanaime/updater/internal/statemanager"
	"github.com/kanaime/updater/internal/updatemanager"
	"github.com/kanaime/updater/internal/updatemanager/checker"
	"github.com/kanaime/updater/internal/updatemanager/downloader"
	"github.com/kanaime/updater/internal/updatemanager/installer"
	"github.com/kanaime/updater/version"
)

const autoInstallFlag = "auto-install"

var (
	runOnce     bool
	autoInstall bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "runs the update agent",
		Long:  "Checks for updates right away and every check interval, downloads and installs them.",
		RunE:  runUpdater,
	}
)

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "exit after the first update job finished")
	runCmd.Flags().BoolVar(&autoInstall, autoInstallFlag, false, "install downloaded updates without confirmation")
}

func runUpdater(cmd *cobra.Command, _ []string) error {
	cfg, err := initCommand(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed(autoInstallFlag) {
		cfg.AutoInstall = autoInstall
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	SetupCloseHandler(ctx, cancel)

	mgr, err := newUpdateManager(cfg)
	if err != nil {
		return err
	}

	events := mgr.Subscribe()
	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Metrics.Port > 0 {
		appMetrics, err := metrics.NewDefaultAppMetrics(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := appMetrics.Close(); err != nil {
				log.Warnf("failed to close metrics: %v", err)
			}
		}()
		if err := appMetrics.Expose(ctx, cfg.Metrics.Port, cfg.Metrics.Endpoint); err != nil {
			return fmt.Errorf("expose metrics: %w", err)
		}

		metricEvents := mgr.Subscribe()
		g.Go(func() error {
			appMetrics.UpdateMetrics().Consume(gCtx, metricEvents.Events(), mgr.Status)
			return nil
		})
	}

	if err := mgr.Start(gCtx); err != nil {
		return err
	}

	requestCheck(mgr)
	if job := mgr.Status(); runOnce && job != nil && waitsForOperator(job.State, cfg) {
		// the restored job does not move without a control call
		log.Infof("update job %s waits in state %s", job.ID, job.State)
		cancel()
	}

	var final updatemanager.State
	g.Go(func() error {
		final = logEvents(gCtx, events, cfg, cancel)
		return nil
	})
	g.Go(func() error {
		schedule(gCtx, mgr, cfg.CheckInterval)
		return nil
	})

	err = g.Wait()
	mgr.Stop()
	if err != nil {
		return err
	}

	if runOnce && (final == updatemanager.Failed || final == updatemanager.UnexpectedError) {
		return fmt.Errorf("update job finished in state %s", final)
	}
	return nil
}

func newUpdateManager(cfg config.Config) (*updatemanager.Manager, error) {
	chk, err := checker.New(cfg.VersionURL, &http.Client{}, cfg.NetworkTimeout)
	if err != nil {
		return nil, err
	}

	var eng updatemanager.EngineController = engine.Noop{}
	if cfg.Engine.ServiceName != "" {
		controller, err := engine.New(cfg.Engine)
		if err != nil {
			return nil, err
		}
		eng = controller
	}

	return updatemanager.New(cfg.ManagerConfig(version.Current()), updatemanager.Components{
		Checker:   chk,
		Fetcher:   downloader.New(cfg.DownloadDir, cfg.DownloaderOptions()...),
		Installer: installer.New(cfg.Installer),
		Engine:    eng,
		Store:     statemanager.New(cfg.StateFile),
	})
}

func requestCheck(mgr *updatemanager.Manager) {
	id, err := mgr.RequestUpdateCheck()
	if err != nil {
		log.Errorf("failed to request update check: %v", err)
		return
	}
	log.Debugf("update check requested, job %s", id)
}

// schedule requests a check every interval. With --once no further check is requested.
func schedule(ctx context.Context, mgr *updatemanager.Manager, interval time.Duration) {
	if runOnce || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requestCheck(mgr)
		}
	}
}

// logEvents logs every state change. With --once it cancels the run as soon as the job cannot
// make progress without an operator and returns that state.
func logEvents(ctx context.Context, sub *publisher.Subscription[updatemanager.StateChangedEvent], cfg config.Config, cancel context.CancelFunc) updatemanager.State {
	for {
		select {
		case <-ctx.Done():
			return updatemanager.Idle
		case ev, ok := <-sub.Events():
			if !ok {
				return updatemanager.Idle
			}
			logEvent(ev)

			if runOnce && settled(ev, cfg) {
				log.Infof("update job %s settled in state %s", ev.JobID, ev.To)
				cancel()
				return ev.To
			}
		}
	}
}

func logEvent(ev updatemanager.StateChangedEvent) {
	fields := log.Fields{
		"job":  ev.JobID,
		"from": ev.From.String(),
		"to":   ev.To.String(),
	}
	switch {
	case ev.Error != nil:
		log.WithFields(fields).Warnf("update state changed: %s", ev.Error)
	case ev.IsProgress():
		log.WithFields(fields).Debugf("downloaded %d of %d bytes", ev.Progress.Received, ev.Progress.Total)
	default:
		log.WithFields(fields).Info("update state changed")
	}
}

// settled reports whether the job waits for a control call or is finished
func settled(ev updatemanager.StateChangedEvent, cfg config.Config) bool {
	return ev.To.IsTerminal() || waitsForOperator(ev.To, cfg)
}

func waitsForOperator(state updatemanager.State, cfg config.Config) bool {
	switch state {
	case updatemanager.Failed, updatemanager.Paused:
		return true
	case updatemanager.UpdateAvailable:
		return !cfg.AutoDownload
	case updatemanager.AwaitingInstallStart:
		return !cfg.AutoInstall
	default:
		return false
	}
}
