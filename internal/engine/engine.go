package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kardianos/service"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultStopTimeout = 30 * time.Second
	pollInterval       = 250 * time.Millisecond
)

type Config struct {
	// ServiceName of the conversion engine in the OS service manager
	ServiceName string `yaml:"service_name"`
	// ProcessName is waited for to disappear after the service stopped, empty skips the check
	ProcessName string        `yaml:"process_name"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// serviceControl is the part of service.Service the controller needs
type serviceControl interface {
	Start() error
	Stop() error
	Status() (service.Status, error)
}

// program satisfies service.Interface. The controller never runs the engine itself.
type program struct{}

func (program) Start(service.Service) error { return nil }
func (program) Stop(service.Service) error  { return nil }

// Controller stops and restarts the conversion engine service around an install
type Controller struct {
	cfg     Config
	svc     serviceControl
	running func(ctx context.Context, name string) (bool, error)

	wasRunning bool
}

func New(cfg Config) (*Controller, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("engine service name is required")
	}

	svc, err := service.New(program{}, &service.Config{
		Name:        cfg.ServiceName,
		DisplayName: cfg.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("engine service %s: %w", cfg.ServiceName, err)
	}
	return newController(cfg, svc, processRunning), nil
}

func newController(cfg Config, svc serviceControl, running func(ctx context.Context, name string) (bool, error)) *Controller {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Controller{
		cfg:     cfg,
		svc:     svc,
		running: running,
	}
}

// Stop stops the engine service and waits until its process is gone
func (c *Controller) Stop(ctx context.Context) error {
	status, err := c.svc.Status()
	if err != nil {
		return fmt.Errorf("engine service status: %w", err)
	}

	c.wasRunning = status == service.StatusRunning
	if c.wasRunning {
		log.Infof("stopping engine service %s", c.cfg.ServiceName)
		if err := c.svc.Stop(); err != nil {
			return fmt.Errorf("stop engine service: %w", err)
		}
	} else {
		log.Infof("engine service %s is not running", c.cfg.ServiceName)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	return c.poll(ctx, func() error {
		if status, err := c.svc.Status(); err != nil {
			return err
		} else if status == service.StatusRunning {
			return errors.New("service still running")
		}

		if c.cfg.ProcessName == "" {
			return nil
		}
		running, err := c.running(ctx, c.cfg.ProcessName)
		if err != nil {
			return backoff.Permanent(err)
		}
		if running {
			return fmt.Errorf("process %s still running", c.cfg.ProcessName)
		}
		return nil
	})
}

// Restart starts the engine service again if Stop found it running
func (c *Controller) Restart(ctx context.Context) error {
	if !c.wasRunning {
		log.Debugf("engine service %s was not running before, leave it stopped", c.cfg.ServiceName)
		return nil
	}

	log.Infof("starting engine service %s", c.cfg.ServiceName)
	if err := c.svc.Start(); err != nil {
		return fmt.Errorf("start engine service: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	err := c.poll(ctx, func() error {
		status, err := c.svc.Status()
		if err != nil {
			return err
		}
		if status != service.StatusRunning {
			return errors.New("service not running yet")
		}
		return nil
	})
	if err == nil {
		c.wasRunning = false
	}
	return err
}

func (c *Controller) poll(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(pollInterval), ctx)

	var last error
	err := backoff.Retry(func() error {
		last = op()
		return last
	}, b)
	if err != nil && ctx.Err() != nil && last != nil {
		return fmt.Errorf("engine service %s: %w: %w", c.cfg.ServiceName, ctx.Err(), last)
	}
	return err
}

func processRunning(ctx context.Context, name string) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}

	want := normalizeName(name)
	for _, p := range procs {
		pName, err := p.NameWithContext(ctx)
		if err != nil {
			// the process may have exited while listing
			continue
		}
		if normalizeName(pName) == want {
			return true, nil
		}
	}
	return false, nil
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".exe")
}

// Noop is used when no engine service is configured
type Noop struct{}

func (Noop) Stop(context.Context) error {
	log.Debugf("no engine service configured, skip stop")
	return nil
}

func (Noop) Restart(context.Context) error {
	return nil
}
