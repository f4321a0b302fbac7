package session

import (
	"context"
	"time"

	"mast-console/internal/mast"
)

// Refresh queries device state. On success the snapshot and busy flag are
// replaced and the device is Online; on any failure it is Offline, not busy,
// and the previous snapshot is kept. notify marks an operator-triggered
// refresh, which reports a failure with exactly one offline notice.
func (s *Session) Refresh(ctx context.Context, notify bool) (*mast.Document, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.refreshInFlight++
	ep := s.state.Endpoint
	s.mu.Unlock()

	doc, err := s.transport.Send(deviceContext(ctx), ep, mast.StateQuery())

	s.mu.Lock()
	s.refreshInFlight--
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	prev := s.state.Connectivity
	if err != nil {
		s.state.Connectivity = Offline
		s.state.DeviceBusy = false
	} else {
		s.state.Connectivity = Online
		s.state.Snapshot = doc
		s.state.DeviceBusy = doc.Busy()
		s.state.LastRefresh = time.Now()
	}
	st := s.stateLocked()
	s.mu.Unlock()

	if st.Connectivity != prev {
		s.logger.Info("connectivity changed", "from", prev, "to", st.Connectivity, "endpoint", ep, "via", "refresh")
		s.emit(EventConnectivity, st.Connectivity)
	}
	if err != nil {
		s.logger.Debug("refresh failed", "endpoint", ep, "err", err)
		if st.Connectivity != prev {
			s.emit(EventState, st)
		}
		if notify {
			s.notify(Notice{Kind: NoticeOffline, Message: "device unreachable at " + ep.String()})
		}
		return nil, err
	}
	s.emit(EventState, st)
	return doc, nil
}

// Heartbeat probes reachability and updates connectivity only.
func (s *Session) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	ep := s.state.Endpoint
	s.mu.Unlock()

	err := s.transport.Heartbeat(deviceContext(ctx), ep)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	prev := s.state.Connectivity
	if err != nil {
		s.state.Connectivity = Offline
	} else {
		s.state.Connectivity = Online
		s.state.LastHeartbeat = time.Now()
	}
	st := s.stateLocked()
	s.mu.Unlock()

	if st.Connectivity != prev {
		s.logger.Info("connectivity changed", "from", prev, "to", st.Connectivity, "endpoint", ep, "via", "heartbeat")
		s.emit(EventConnectivity, st.Connectivity)
		s.emit(EventState, st)
	}
	return err
}

// heartbeatLoop runs one heartbeat per tick; a tick never overlaps the
// previous heartbeat because both run on this goroutine.
func (s *Session) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Heartbeat(ctx)
		}
	}
}

// refreshLoop fetches state once at start and then on every tick while
// polling is enabled.
func (s *Session) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	s.Refresh(ctx, false)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Polling() {
				continue
			}
			s.Refresh(ctx, false)
		}
	}
}
