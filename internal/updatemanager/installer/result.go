package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/kanaime/updater/internal/updatemanager/types"
)

const (
	resultFile = "result.json"
)

// Result is written by installers that report their outcome through a file
type Result struct {
	Success         bool
	RestartRequired bool
	Error           string
	ExecutedAt      time.Time
}

// InstallResult maps the reported outcome onto the orchestrator result kinds
func (r Result) InstallResult() types.InstallResult {
	switch {
	case !r.Success:
		reason := r.Error
		if reason == "" {
			reason = "installer reported failure"
		}
		return types.Failure("%s", reason)
	case r.RestartRequired:
		return types.SuccessRequiresRestart()
	default:
		return types.Success()
	}
}

// ResultHandler handles reading and writing installer results
type ResultHandler struct {
	resultFile string
}

// NewResultHandler creates a handler for "result.json" in the given directory
func NewResultHandler(installerDir string) *ResultHandler {
	// do not care if already exists
	_ = os.MkdirAll(installerDir, 0o700)

	return &ResultHandler{
		resultFile: filepath.Join(installerDir, resultFile),
	}
}

func (rh *ResultHandler) Path() string {
	return rh.resultFile
}

// Watch waits until the result file appears and returns its content. The file is removed afterwards.
func (rh *ResultHandler) Watch(ctx context.Context) (Result, error) {
	log.Infof("start watching result: %s", rh.resultFile)

	defer func() {
		if err := rh.Cleanup(); err != nil {
			log.Warnf("failed to cleanup result file: %v", err)
		}
	}()

	// the installer may have finished before we started watching
	if result, err := rh.tryReadResult(); err == nil {
		log.Infof("installer result: %+v", result)
		return result, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	// Watch the directory (not the file, since it doesn't exist yet)
	if err := watcher.Add(filepath.Dir(rh.resultFile)); err != nil {
		return Result{}, fmt.Errorf("failed to watch directory: %v", err)
	}

	// it could have been created between the first read and the watch registration
	if result, err := rh.tryReadResult(); err == nil {
		log.Infof("installer result: %+v", result)
		return result, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}

			if event.Name != rh.resultFile {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				result, err := rh.tryReadResult()
				if err != nil {
					log.Debugf("error while reading result: %v", err)
					continue
				}
				log.Infof("installer result: %+v", result)
				return result, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}
			return Result{}, fmt.Errorf("watcher error: %w", err)
		}
	}
}

// WriteErr reports a failed installation
func (rh *ResultHandler) WriteErr(errReason error) error {
	return rh.Write(Result{
		Success:    false,
		Error:      errReason.Error(),
		ExecutedAt: time.Now(),
	})
}

// Write writes the installer result atomically
func (rh *ResultHandler) Write(result Result) error {
	log.Infof("write out installer result to: %s", rh.resultFile)
	dir := filepath.Dir(rh.resultFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Errorf("failed to create directory %s: %v", dir, err)
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	// Write to a temporary file first, then rename for atomic operation
	tmpPath := rh.resultFile + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		log.Errorf("failed to create temp file: %s", err)
		return err
	}

	if err := os.Rename(tmpPath, rh.resultFile); err != nil {
		if cleanupErr := os.Remove(tmpPath); cleanupErr != nil {
			log.Warnf("Failed to remove temp result file: %v", cleanupErr)
		}
		return err
	}

	return nil
}

// Cleanup removes the result file if it exists
func (rh *ResultHandler) Cleanup() error {
	err := os.Remove(rh.resultFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	log.Debugf("delete installer result file: %s", rh.resultFile)
	return nil
}

// tryReadResult attempts to read and validate the result file
func (rh *ResultHandler) tryReadResult() (Result, error) {
	data, err := os.ReadFile(rh.resultFile)
	if err != nil {
		return Result{}, err
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("invalid result format: %w", err)
	}

	return result, nil
}
