package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kanaime/updater/internal/config"
	"github.com/kanaime/updater/util"
)

var (
	configPath        string
	defaultConfigPath string
	logLevel          string
	logFile           string
	defaultLogFile    string

	rootCmd = &cobra.Command{
		Use:          "kanaime-updater",
		Short:        "Kanaime update agent",
		Long:         "Checks for new Kanaime releases, downloads and installs them.",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultConfigDir := "/etc/kanaime/"
	defaultLogDir := "/var/log/kanaime/"
	switch runtime.GOOS {
	case "windows":
		defaultConfigDir = filepath.Join(os.Getenv("PROGRAMDATA"), "Kanaime")
		defaultLogDir = defaultConfigDir
	case "darwin":
		defaultConfigDir = "/Library/Application Support/Kanaime/"
		defaultLogDir = "/Library/Logs/Kanaime/"
	}
	defaultConfigPath = filepath.Join(defaultConfigDir, "updater.yaml")
	defaultLogFile = filepath.Join(defaultLogDir, "updater.log")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Updater config file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets the updater log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", defaultLogFile, "sets the updater log path. If console is specified the log will be output to stdout")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// initCommand applies environment overrides, sets up logging and loads the configuration
func initCommand(cmd *cobra.Command) (config.Config, error) {
	util.SetFlagsFromEnvVars(rootCmd)
	util.SetFlagsFromEnvVars(cmd)

	if err := util.InitLog(logLevel, logFile); err != nil {
		return config.Config{}, fmt.Errorf("failed initializing log %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// SetupCloseHandler cancels ctx on SIGINT or SIGTERM
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(termCh)
		select {
		case <-ctx.Done():
			return
		case <-termCh:
		}

		log.Info("shutdown signal received")
		cancel()
	}()
}
