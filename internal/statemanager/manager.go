package statemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/kanaime/updater/util"
)

const writeTimeout = 5 * time.Second

// State is a named record persisted by the Manager
type State interface {
	Name() string
}

// Manager persists named states into a single JSON file. Every update is written through
// immediately and atomically, so the file always reflects the last completed write.
// Entries of the file the Manager was not asked about are preserved.
type Manager struct {
	mu       sync.Mutex
	filePath string
}

// New creates a new Manager instance
func New(filePath string) *Manager {
	return &Manager{
		filePath: filePath,
	}
}

func (m *Manager) FilePath() string {
	return m.filePath
}

// LoadState fills state from the file. It reports false if the file or the entry does not exist.
func (m *Manager) LoadState(state State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rawStates, err := m.loadStateFile(true)
	if err != nil {
		return false, err
	}

	raw, ok := rawStates[state.Name()]
	if !ok || string(raw) == "null" {
		return false, nil
	}

	if err := json.Unmarshal(raw, state); err != nil {
		return false, fmt.Errorf("unmarshal state %s: %w", state.Name(), err)
	}

	log.Debugf("loaded state: %s", state.Name())
	return true, nil
}

// UpdateState replaces the stored entry of state and persists the file
func (m *Manager) UpdateState(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", state.Name(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writeEntry(ctx, state.Name(), data)
}

// DeleteState removes the entry of state from the file
func (m *Manager) DeleteState(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writeEntry(ctx, state.Name(), nil)
}

// GetSavedStateNames returns all state names that are currently saved in the state file
func (m *Manager) GetSavedStateNames() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rawStates, err := m.loadStateFile(false)
	if err != nil {
		return nil, err
	}

	var names []string
	for name, raw := range rawStates {
		if string(raw) != "null" {
			names = append(names, name)
		}
	}
	return names, nil
}

// writeEntry sets or, for nil data, removes a single entry. The caller must hold the mutex.
func (m *Manager) writeEntry(ctx context.Context, name string, data json.RawMessage) error {
	rawStates, err := m.loadStateFile(true)
	if err != nil {
		// a corrupted file was moved away, start over
		log.Warnf("discarding unreadable state file: %v", err)
		rawStates = nil
	}
	if rawStates == nil {
		rawStates = make(map[string]json.RawMessage)
	}

	if data == nil {
		if _, ok := rawStates[name]; !ok {
			return nil
		}
		delete(rawStates, name)
	} else {
		rawStates[name] = data
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	start := time.Now()
	if err := util.WriteJson(ctx, m.filePath, rawStates); err != nil {
		return fmt.Errorf("persist state %s: %w", name, err)
	}

	log.Tracef("persisted states: %v, took %v", maps.Keys(rawStates), time.Since(start))
	return nil
}

// loadStateFile reads and unmarshals the state file into a map of raw JSON messages
func (m *Manager) loadStateFile(backupCorrupt bool) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("state file %s does not exist", m.filePath)
			return nil, nil // nolint:nilnil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var rawStates map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawStates); err != nil {
		m.handleCorruptedState(backupCorrupt)
		return nil, fmt.Errorf("unmarshal states: %w", err)
	}

	return rawStates, nil
}

// handleCorruptedState creates a backup of a corrupted state file by moving it
func (m *Manager) handleCorruptedState(backupCorrupt bool) {
	if !backupCorrupt {
		return
	}
	log.Warn("State file appears to be corrupted, attempting to back it up")

	backupPath := fmt.Sprintf("%s.corrupted.%d", m.filePath, time.Now().UnixNano())
	if err := os.Rename(m.filePath, backupPath); err != nil {
		log.Errorf("Failed to backup corrupted state file: %v", err)
		return
	}

	log.Infof("Created backup of corrupted state file at: %s", backupPath)
}
