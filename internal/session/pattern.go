package session

import (
	"context"
	"fmt"
	"time"

	"mast-console/internal/pattern"
	"mast-console/internal/store"
)

// FetchPattern downloads the bridge's calibration log and analyzes it. The
// capture replaces the previous one in memory and on disk. Connectivity is
// not touched by either outcome.
func (s *Session) FetchPattern(ctx context.Context) (pattern.Profile, string, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return pattern.Profile{}, "", ErrStopped
	}
	ep := s.state.Endpoint
	s.mu.Unlock()

	text, err := s.transport.FetchLog(deviceContext(ctx), ep)
	if err != nil {
		s.logger.Warn("calibration log fetch failed", "endpoint", ep, "err", err)
		s.notify(Notice{Kind: NoticeFailure, Message: "calibration log unavailable"})
		return pattern.Profile{}, "", fmt.Errorf("fetch log: %w", err)
	}

	c := &store.Capture{
		FetchedAt: time.Now(),
		Endpoint:  ep,
		RawLog:    text,
		Profile:   pattern.Analyze(text),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return pattern.Profile{}, "", ErrStopped
	}
	s.capture = c
	s.mu.Unlock()

	if err := s.store.SaveCapture(c); err != nil {
		s.logger.Warn("save calibration capture", "err", err)
	}

	s.logger.Info("calibration pattern analyzed", "points", c.Profile.Count,
		"best_bearing", c.Profile.BestBearing, "best_signal", c.Profile.BestSignal)
	s.emit(EventPattern, c)
	if c.Profile.Empty() {
		s.notify(Notice{Kind: NoticeInfo, Message: "no readings in calibration log"})
	} else {
		s.notify(Notice{Kind: NoticeInfo, Message: fmt.Sprintf("pattern updated: %d bearings, best %d°", c.Profile.Count, c.Profile.BestBearing)})
	}
	return c.Profile, text, nil
}
