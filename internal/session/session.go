// Package session owns the connection to a single mast controller: its
// connectivity, busy gating, command dispatch and the periodic heartbeat and
// state refresh loops.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mast-console/internal/mast"
	"mast-console/internal/store"
)

var (
	// ErrBusy is returned when a command is attempted while the device
	// reports busy or another device call is outstanding.
	ErrBusy = errors.New("device busy")
	// ErrStopped is returned by calls made after Stop.
	ErrStopped = errors.New("session stopped")
)

// Transport is the device I/O the session depends on.
type Transport interface {
	Heartbeat(ctx context.Context, ep mast.Endpoint) error
	Send(ctx context.Context, ep mast.Endpoint, req mast.Request) (*mast.Document, error)
	FetchLog(ctx context.Context, ep mast.Endpoint) (string, error)
}

// Config holds session scheduling configuration.
type Config struct {
	Endpoint          mast.Endpoint // used when the store holds none
	HeartbeatInterval time.Duration
	RefreshInterval   time.Duration
	Polling           bool
}

// DefaultConfig returns the controller's stock schedule.
func DefaultConfig() Config {
	return Config{
		Endpoint:          mast.DefaultEndpoint(),
		HeartbeatInterval: 5 * time.Second,
		RefreshInterval:   10 * time.Second,
		Polling:           true,
	}
}

// Session serializes every update of connectivity, busy flag and snapshot
// through one mutex.
type Session struct {
	transport Transport
	store     store.Store
	events    *EventBus
	cfg       Config
	logger    *slog.Logger

	mu              sync.Mutex
	state           State
	commandInFlight int
	refreshInFlight int
	capture         *store.Capture
	stopped         bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Session. The active endpoint is loaded from st, seeded with
// cfg.Endpoint on first run.
func New(tr Transport, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) (*Session, error) {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.Endpoint == (mast.Endpoint{}) {
		cfg.Endpoint = def.Endpoint
	}

	ep, err := st.EnsureEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("load endpoint: %w", err)
	}

	s := &Session{
		transport: tr,
		store:     st,
		events:    events,
		cfg:       cfg,
		logger:    logger.With("component", "session"),
		state: State{
			Connectivity: Offline,
			Polling:      cfg.Polling,
			Endpoint:     ep,
		},
	}

	c, err := st.GetCapture()
	switch {
	case err == nil:
		s.capture = c
	case !errors.Is(err, store.ErrNotFound):
		s.logger.Warn("load calibration capture", "err", err)
	}
	return s, nil
}

// Events returns the bus the session publishes on.
func (s *Session) Events() *EventBus {
	return s.events
}

// Start launches the heartbeat and refresh loops. The first state refresh
// runs immediately.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	// Added under the lock so a concurrent Stop waits for both loops.
	s.wg.Add(2)
	s.mu.Unlock()

	go s.heartbeatLoop(ctx)
	go s.refreshLoop(ctx)
	s.logger.Info("session started", "endpoint", s.Endpoint(),
		"heartbeat", s.cfg.HeartbeatInterval, "refresh", s.cfg.RefreshInterval)
}

// Stop cancels both loops and waits for them. Calls still in flight complete
// but their results are discarded.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("session stopped")
}

// State returns a consistent copy of the shared state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	st := s.state
	st.CommandInFlight = s.commandInFlight > 0
	st.RefreshInFlight = s.refreshInFlight > 0
	return st
}

// Endpoint returns the active device endpoint.
func (s *Session) Endpoint() mast.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Endpoint
}

// SetEndpoint validates and persists ep, then fetches state from it with
// operator notification.
func (s *Session) SetEndpoint(ctx context.Context, ep mast.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	if err := s.store.SaveEndpoint(ep); err != nil {
		return fmt.Errorf("save endpoint: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.state.Endpoint = ep
	st := s.stateLocked()
	s.mu.Unlock()

	s.logger.Info("endpoint changed", "endpoint", ep)
	s.emit(EventState, st)
	s.Refresh(ctx, true)
	return nil
}

// Polling reports whether the refresh loop is enabled.
func (s *Session) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Polling
}

// SetPolling enables or disables the refresh loop from its next tick on. A
// refresh already in flight is not affected.
func (s *Session) SetPolling(enabled bool) {
	s.mu.Lock()
	changed := s.state.Polling != enabled
	s.state.Polling = enabled
	s.mu.Unlock()

	if changed {
		s.logger.Info("polling changed", "enabled", enabled)
		s.emit(EventPolling, enabled)
	}
}

// LastCapture returns the most recent calibration capture, if any.
func (s *Session) LastCapture() (*store.Capture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture, s.capture != nil
}

func (s *Session) emit(t EventType, data any) {
	if s.events == nil {
		return
	}
	s.events.Emit(Event{Type: t, Data: data})
}

func (s *Session) notify(n Notice) {
	s.logger.Debug("notice", "kind", n.Kind, "message", n.Message, "command_id", n.CommandID)
	s.emit(EventNotice, n)
}

// deviceContext detaches a device call from its caller. The transport bounds
// each call with its own timeout.
func deviceContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
