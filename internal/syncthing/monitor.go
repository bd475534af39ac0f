package syncthing

import (
	"context"
	"sync"
	"time"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/events"
	"github.com/prefbridge/prefbridge/internal/logging"
)

// Status is one observation of the daemon.
type Status struct {
	State        core.DaemonState `json:"state"`
	ConfigLoaded bool             `json:"config_loaded"`
	// Tick increases every time State or ConfigLoaded changes.
	Tick      uint64    `json:"tick"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Usable reports whether preferences can be synchronized with the daemon.
func (s Status) Usable() bool {
	return s.State == core.DaemonActive && s.ConfigLoaded
}

// Monitor polls the daemon and keeps the RestAPI state current.
type Monitor struct {
	api      *RestAPI
	interval time.Duration
	breaker  *CircuitBreaker
	logger   *logging.Logger
	bus      *events.EventBus

	mu     sync.Mutex
	status Status
	subs   map[chan Status]struct{}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithPollInterval sets the time between probes.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithFailureThreshold sets how many consecutive failed probes mark a
// running daemon inactive.
func WithFailureThreshold(n int) MonitorOption {
	return func(m *Monitor) {
		m.breaker = NewCircuitBreaker(n)
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *logging.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEventBus publishes daemon_status events on bus.
func WithEventBus(bus *events.EventBus) MonitorOption {
	return func(m *Monitor) {
		m.bus = bus
	}
}

// NewMonitor creates a monitor for api.
func NewMonitor(api *RestAPI, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		api:      api,
		interval: 2 * time.Second,
		breaker:  NewCircuitBreaker(DefaultFailureThreshold),
		logger:   logging.NewNop(),
		status:   Status{State: core.DaemonInactive},
		subs:     make(map[chan Status]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	// Never reached yet: the first successful probe activates.
	m.breaker.Open()
	m.logger = m.logger.WithComponent("daemon-monitor")
	return m
}

// API returns the monitored daemon view.
func (m *Monitor) API() *RestAPI {
	return m.api
}

// Run probes immediately and then every poll interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.Poll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll probes the daemon once and returns the resulting status.
func (m *Monitor) Poll(ctx context.Context) Status {
	r := m.api.probe(ctx)

	if r.cfg != nil {
		m.breaker.RecordSuccess()
		m.api.apply(core.DaemonActive, r.status, r.cfg)
	} else {
		m.breaker.RecordFailure()
		// An active daemon survives isolated failures.
		if m.breaker.IsOpen() || m.api.State() != core.DaemonActive {
			state := core.DaemonInactive
			if r.reachable {
				state = core.DaemonStarting
			}
			m.api.apply(state, nil, nil)
		}
	}

	m.mu.Lock()
	prev := m.status
	next := Status{
		State:        m.api.State(),
		ConfigLoaded: m.api.IsConfigLoaded(),
		Tick:         prev.Tick,
		Failures:     m.breaker.ConsecutiveFailures(),
		CheckedAt:    time.Now(),
	}
	if r.err != nil {
		next.LastError = r.err.Error()
	}
	changed := next.State != prev.State || next.ConfigLoaded != prev.ConfigLoaded
	if changed {
		next.Tick++
	}
	m.status = next
	if changed {
		for ch := range m.subs {
			select {
			case <-ch:
			default:
			}
			ch <- next
		}
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info("daemon status changed",
			"state", next.State,
			"config_loaded", next.ConfigLoaded,
			"tick", next.Tick)
		if m.bus != nil {
			m.bus.Publish(events.NewDaemonStatusEvent(string(next.State), next.ConfigLoaded, next.Tick))
		}
	} else if r.err != nil {
		m.logger.Debug("daemon probe failed", "error", r.err, "failures", next.Failures)
	}
	return next
}

// Status returns the latest observation.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe streams status changes, starting with the current status. The
// channel holds only the latest status and is closed when ctx ends.
func (m *Monitor) Subscribe(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	ch <- m.status
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}
