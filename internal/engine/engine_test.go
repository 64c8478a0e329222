package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu        sync.Mutex
	status    service.Status
	statusErr error
	stopErr   error
	starts    int
	stops     int
	// settle delays the status change by this many Status calls
	settle  int
	pending service.Status
}

func (s *fakeService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	s.change(service.StatusRunning)
	return nil
}

func (s *fakeService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if s.stopErr != nil {
		return s.stopErr
	}
	s.change(service.StatusStopped)
	return nil
}

func (s *fakeService) change(to service.Status) {
	if s.settle == 0 {
		s.status = to
		return
	}
	s.pending = to
}

func (s *fakeService) Status() (service.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settle > 0 && s.pending != service.StatusUnknown {
		s.settle--
		if s.settle == 0 {
			s.status = s.pending
		}
	}
	return s.status, s.statusErr
}

func notRunning(context.Context, string) (bool, error) {
	return false, nil
}

func TestController_StopAndRestart(t *testing.T) {
	svc := &fakeService{status: service.StatusRunning, settle: 2}
	c := newController(Config{ServiceName: "kanaime-engine", StopTimeout: 5 * time.Second}, svc, notRunning)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, 1, svc.stops)
	assert.Equal(t, service.StatusStopped, svc.status)

	svc.settle = 2
	require.NoError(t, c.Restart(context.Background()))
	assert.Equal(t, 1, svc.starts)
	assert.Equal(t, service.StatusRunning, svc.status)
}

func TestController_NotRunningIsLeftStopped(t *testing.T) {
	svc := &fakeService{status: service.StatusStopped}
	c := newController(Config{ServiceName: "kanaime-engine"}, svc, notRunning)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Restart(context.Background()))
	assert.Zero(t, svc.stops)
	assert.Zero(t, svc.starts)
}

func TestController_WaitsForProcessExit(t *testing.T) {
	svc := &fakeService{status: service.StatusRunning}
	var checks int
	running := func(_ context.Context, name string) (bool, error) {
		assert.Equal(t, "kanaime-engine.exe", name)
		checks++
		return checks < 3, nil
	}
	c := newController(Config{ServiceName: "kanaime-engine", ProcessName: "kanaime-engine.exe", StopTimeout: 5 * time.Second}, svc, running)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, 3, checks)
}

func TestController_StopTimeout(t *testing.T) {
	svc := &fakeService{status: service.StatusRunning}
	stuck := func(context.Context, string) (bool, error) { return true, nil }
	c := newController(Config{ServiceName: "kanaime-engine", ProcessName: "engine", StopTimeout: 600 * time.Millisecond}, svc, stuck)

	err := c.Stop(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "still running")
}

func TestController_Errors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		svc := &fakeService{statusErr: service.ErrNotInstalled}
		c := newController(Config{ServiceName: "kanaime-engine"}, svc, notRunning)
		assert.ErrorIs(t, c.Stop(context.Background()), service.ErrNotInstalled)
	})

	t.Run("stop", func(t *testing.T) {
		svc := &fakeService{status: service.StatusRunning, stopErr: errors.New("access denied")}
		c := newController(Config{ServiceName: "kanaime-engine"}, svc, notRunning)
		assert.ErrorContains(t, c.Stop(context.Background()), "access denied")
	})

	t.Run("process listing", func(t *testing.T) {
		svc := &fakeService{status: service.StatusRunning}
		failing := func(context.Context, string) (bool, error) { return false, errors.New("permission denied") }
		c := newController(Config{ServiceName: "kanaime-engine", ProcessName: "engine"}, svc, failing)
		assert.ErrorContains(t, c.Stop(context.Background()), "permission denied")
	})
}

func TestProcessRunning(t *testing.T) {
	running, err := processRunning(context.Background(), "kanaime-no-such-process")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestNew_RequiresServiceName(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "kanaime-engine", normalizeName("KanaIME-Engine.EXE"))
	assert.Equal(t, "kanaime-engine", normalizeName("kanaime-engine"))
}
