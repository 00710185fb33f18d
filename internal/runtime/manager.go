package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openraffle/raffle-engine/internal/events"
	"github.com/openraffle/raffle-engine/internal/system"
	"github.com/openraffle/raffle-engine/pkg/logger"
)

// Manager starts registered services in registration order and stops them in
// reverse. Each transition is logged and recorded on the event log.
type Manager struct {
	log  *logger.Logger
	sink events.Sink

	mu       sync.Mutex
	services []system.Service
	running  bool
}

func NewManager(sink events.Sink, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("runtime")
	}
	if sink == nil {
		sink = events.NoOpLogger{}
	}
	return &Manager{log: log, sink: sink}
}

// Register adds a service to the managed set. Names must be unique, and
// registration closes once the manager has started.
func (m *Manager) Register(svc system.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("register %s: manager already started", svc.Name())
	}
	for _, existing := range m.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("register %s: duplicate service name", svc.Name())
		}
	}
	m.services = append(m.services, svc)
	return nil
}

// Start brings services up in registration order. If one fails, the services
// already running are stopped in reverse before the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	services := make([]system.Service, len(m.services))
	copy(services, m.services)
	m.mu.Unlock()

	var started []system.Service
	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			m.log.WithError(err).WithField("service", svc.Name()).Error("service failed to start")
			m.unwind(ctx, started)
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
		m.log.WithField("service", svc.Name()).Info("service started")
		events.NewEvent(events.EventServiceStarted).
			Module("runtime").
			Message("service started").
			Metadata("service", svc.Name()).
			LogTo(m.sink)
	}
	return nil
}

// Stop halts services in reverse registration order. Every service is
// attempted even when an earlier one fails; the combined error reports all
// failures.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	services := make([]system.Service, len(m.services))
	copy(services, m.services)
	m.mu.Unlock()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Stop(ctx); err != nil {
			m.log.WithError(err).WithField("service", svc.Name()).Error("service failed to stop")
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		m.log.WithField("service", svc.Name()).Info("service stopped")
		events.NewEvent(events.EventServiceStopped).
			Module("runtime").
			Message("service stopped").
			Metadata("service", svc.Name()).
			LogTo(m.sink)
	}
	return errors.Join(errs...)
}

func (m *Manager) unwind(ctx context.Context, started []system.Service) {
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			m.log.WithError(err).WithField("service", started[i].Name()).Warn("stop during unwind failed")
		}
	}
}
