package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kanaime/updater/internal/engine"
	"github.com/kanaime/updater/internal/updatemanager"
	"github.com/kanaime/updater/internal/updatemanager/checker"
	"github.com/kanaime/updater/internal/updatemanager/downloader"
	"github.com/kanaime/updater/internal/updatemanager/installer"
	"github.com/kanaime/updater/util"
)

const (
	DefaultVersionURL    = "https://releases.kanaime.org/latest/version.json"
	DefaultCheckInterval = 24 * time.Hour
)

type MetricsConfig struct {
	// Port 0 disables the metrics endpoint
	Port     int    `yaml:"port"`
	Endpoint string `yaml:"endpoint"`
}

// Config of the updater. Durations are written as "30s", "5m", ...
type Config struct {
	VersionURL  string `yaml:"version_url"`
	DownloadDir string `yaml:"download_dir"`
	StateFile   string `yaml:"state_file"`

	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	NetworkTimeout time.Duration `yaml:"network_timeout"`
	MaxJobDuration time.Duration `yaml:"max_job_duration"`
	JobRetention   time.Duration `yaml:"job_retention"`
	CheckInterval  time.Duration `yaml:"check_interval"`

	AutoDownload bool `yaml:"auto_download"`
	AutoInstall  bool `yaml:"auto_install"`

	// DownloadRateLimit in bytes per second, 0 is unlimited
	DownloadRateLimit int64 `yaml:"download_rate_limit"`
	ChunkSize         int   `yaml:"chunk_size"`
	SubscriberBuffer  int   `yaml:"subscriber_buffer"`

	Installer installer.Config `yaml:"installer"`
	Engine    engine.Config    `yaml:"engine"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// Default returns the configuration used for every field the file leaves out
func Default() Config {
	dataDir := defaultDataDir()
	return Config{
		VersionURL:     DefaultVersionURL,
		DownloadDir:    filepath.Join(dataDir, "downloads"),
		StateFile:      filepath.Join(dataDir, "update-state.json"),
		MaxAttempts:    updatemanager.DefaultMaxAttempts,
		InitialBackoff: updatemanager.DefaultInitialBackoff,
		MaxBackoff:     updatemanager.DefaultMaxBackoff,
		NetworkTimeout: checker.DefaultTimeout,
		JobRetention:   updatemanager.DefaultJobRetention,
		CheckInterval:  DefaultCheckInterval,
		AutoDownload:   true,
		ChunkSize:      downloader.DefaultChunkSize,
		Installer: installer.Config{
			RestartExitCodes: installer.DefaultRestartExitCodes,
			ResultTimeout:    installer.DefaultResultTimeout,
		},
		Engine: engine.Config{
			StopTimeout: engine.DefaultStopTimeout,
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
	}
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("PROGRAMDATA"), "Kanaime")
	case "darwin":
		return "/Library/Application Support/Kanaime"
	default:
		return "/var/lib/kanaime"
	}
}

// Load reads the configuration file at path on top of the defaults. A missing file yields the
// defaults. JSON files are accepted as well.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" || !util.FileExists(path) {
		log.Debugf("no config file at %q, using defaults", path)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects values the updater cannot work with
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.VersionURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("version_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("version_url: unsupported scheme %q", u.Scheme))
	}

	if c.DownloadDir == "" {
		errs = append(errs, errors.New("download_dir is required"))
	}
	if c.StateFile == "" {
		errs = append(errs, errors.New("state_file is required"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.DownloadRateLimit < 0 {
		errs = append(errs, fmt.Errorf("download_rate_limit must not be negative, got %d", c.DownloadRateLimit))
	}

	for name, d := range map[string]time.Duration{
		"initial_backoff":  c.InitialBackoff,
		"max_backoff":      c.MaxBackoff,
		"network_timeout":  c.NetworkTimeout,
		"max_job_duration": c.MaxJobDuration,
		"job_retention":    c.JobRetention,
		"check_interval":   c.CheckInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if c.MaxBackoff > 0 && c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, fmt.Errorf("max_backoff %s is below initial_backoff %s", c.MaxBackoff, c.InitialBackoff))
	}

	if c.Installer.Command == "" && !c.Installer.DryRun {
		log.Warnf("no installer command configured, installs will fail")
	}

	return errors.Join(errs...)
}

// ManagerConfig is the orchestrator part of the configuration
func (c Config) ManagerConfig(current *goversion.Version) updatemanager.Config {
	return updatemanager.Config{
		CurrentVersion:   current,
		MaxAttempts:      c.MaxAttempts,
		InitialBackoff:   c.InitialBackoff,
		MaxBackoff:       c.MaxBackoff,
		MaxJobDuration:   c.MaxJobDuration,
		JobRetention:     c.JobRetention,
		AutoDownload:     c.AutoDownload,
		AutoInstall:      c.AutoInstall,
		SubscriberBuffer: c.SubscriberBuffer,
	}
}

// DownloaderOptions configures the package fetcher
func (c Config) DownloaderOptions() []downloader.Option {
	opts := []downloader.Option{
		downloader.WithChunkSize(c.ChunkSize),
	}
	if c.NetworkTimeout > 0 {
		opts = append(opts, downloader.WithStallTimeout(c.NetworkTimeout))
	}
	if c.DownloadRateLimit > 0 {
		opts = append(opts, downloader.WithRateLimit(c.DownloadRateLimit))
	}
	return opts
}
