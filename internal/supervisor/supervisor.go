// Package supervisor provides a supervision tree for the daemon's
// in-process ambient services (the health HTTP server, the resource
// sampler's background sweep, and similar long-lived loops that share the
// supervisor's own process).
//
// It used to hand-roll an Erlang/OTP-style restart loop; that loop is now
// thejerf/suture/v4, which already does this well, so this package is a
// thin Service registry and Status reporter layered over a suture
// Supervisor rather than its own restart engine.
//
// Camera workers are a different isolation tier (separate OS processes,
// monitored by heartbeat) and are owned by CameraSupervisor in this same
// package, not by this type.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Service is the interface that supervised in-process services must
// implement. Implementations should block until the context is cancelled
// or an unrecoverable error occurs.
type Service interface {
	// Run starts the service. It should block until ctx is cancelled or
	// the service encounters an unrecoverable error.
	Run(ctx context.Context) error

	// Name returns the service's identifier.
	Name() string
}

// ServiceState represents the current state of a supervised service.
type ServiceState int

const (
	ServiceStateIdle ServiceState = iota
	ServiceStateRunning
	ServiceStateStopping
	ServiceStateFailed
	ServiceStateStopped
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus contains status information about a supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config contains supervisor configuration.
type Config struct {
	// ShutdownTimeout is the maximum time to wait for services to stop
	// gracefully. Default: 10 seconds.
	ShutdownTimeout time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{ShutdownTimeout: 10 * time.Second}
}

// Supervisor owns a suture tree of in-process ambient services.
type Supervisor struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*serviceEntry
	tree    *suture.Supervisor
	running bool
}

type serviceEntry struct {
	service   Service
	state     ServiceState
	startTime time.Time
	restarts  int
	lastError error
	token     suture.ServiceToken
}

// sutureAdapter bridges this package's Service interface to suture's
// Service interface (a single Serve(ctx) error method), recording
// start/stop/restart bookkeeping into entry as it runs.
type sutureAdapter struct {
	entry *serviceEntry
	sup   *Supervisor
}

func (a *sutureAdapter) Serve(ctx context.Context) error {
	a.sup.mu.Lock()
	a.entry.state = ServiceStateRunning
	a.entry.startTime = time.Now()
	a.sup.mu.Unlock()

	err := a.entry.service.Run(ctx)

	a.sup.mu.Lock()
	defer a.sup.mu.Unlock()
	if ctx.Err() != nil {
		a.entry.state = ServiceStateStopped
		return nil
	}
	a.entry.state = ServiceStateFailed
	a.entry.lastError = err
	a.entry.restarts++
	return err
}

func (a *sutureAdapter) String() string { return a.entry.service.Name() }

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		entries: make(map[string]*serviceEntry),
		tree: suture.New("nvr-supervisor", suture.Spec{
			EventHook: func(ev suture.Event) {
				cfg.Logger.Debug().Str("event", ev.String()).Msg("supervisor event")
			},
			Timeout: cfg.ShutdownTimeout,
		}),
	}
}

// Add registers a service with the supervisor. If the supervisor is
// already running, the service is started immediately. Returns an error if
// a service with the same name already exists.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{service: svc, state: ServiceStateIdle}
	s.entries[name] = entry
	entry.token = s.tree.Add(&sutureAdapter{entry: entry, sup: s})

	return nil
}

// Remove unregisters and stops a service.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	entry, exists := s.entries[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	delete(s.entries, name)
	s.mu.Unlock()

	return s.tree.Remove(entry.token)
}

// Status returns the current status of all services.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ServiceStatus, 0, len(s.entries))
	now := time.Now()
	for name, entry := range s.entries {
		var uptime time.Duration
		if !entry.startTime.IsZero() && entry.state == ServiceStateRunning {
			uptime = now.Sub(entry.startTime)
		}
		result = append(result, ServiceStatus{
			Name:      name,
			State:     entry.state,
			StartTime: entry.startTime,
			Uptime:    uptime,
			Restarts:  entry.restarts,
			LastError: entry.lastError,
		})
	}
	return result
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Run starts the suture tree and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	err := s.tree.Serve(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
