package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mast-console/internal/mast"
	"mast-console/internal/store"
	"mast-console/internal/transport"
)

// RunCommand dispatches req unless the device is busy or another device call
// is outstanding, in which case it returns ErrBusy without any network I/O.
// Every call produces exactly one notice. A dispatched command is always
// followed by one silent state refresh.
func (s *Session) RunCommand(ctx context.Context, req mast.Request) (Outcome, error) {
	out := Outcome{ID: uuid.NewString(), Request: req, StartedAt: time.Now()}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return out, ErrStopped
	}
	if s.stateLocked().Busy() {
		s.mu.Unlock()
		out.FinishedAt = out.StartedAt
		s.logger.Info("command rejected locally", "id", out.ID, "request", req)
		s.notify(Notice{Kind: NoticeRejected, Message: "device is busy, command not sent", CommandID: out.ID})
		s.journal(out, "rejected", ErrBusy)
		return out, ErrBusy
	}
	s.commandInFlight++
	ep := s.state.Endpoint
	s.mu.Unlock()

	doc, err := s.transport.Send(deviceContext(ctx), ep, req)
	out.FinishedAt = time.Now()

	// A non-2xx reply with a decodable body is the device's verdict, not a
	// transport fault.
	var te *transport.Error
	if errors.As(err, &te) && te.Payload != nil {
		doc, err = te.Payload, nil
	}

	s.mu.Lock()
	s.commandInFlight--
	if s.stopped {
		s.mu.Unlock()
		return out, ErrStopped
	}
	if err == nil {
		s.state.DeviceBusy = doc.Busy()
	}
	st := s.stateLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("command failed", "id", out.ID, "request", req, "endpoint", ep, "err", err)
		s.notify(Notice{Kind: NoticeFailure, Message: "request failed", CommandID: out.ID})
		s.journal(out, "error", err)
		s.emit(EventCommand, out)
		s.Refresh(ctx, false)
		return out, fmt.Errorf("run %s: %w", req, err)
	}

	out.Payload = doc
	out.Busy = doc.Busy()
	out.Status = statusOf(doc)
	s.emit(EventState, st)

	switch {
	case out.Busy:
		s.notify(Notice{Kind: NoticeBusy, Message: "calibration in progress", CommandID: out.ID})
	case out.Status == StatusSuccess:
		s.notify(Notice{Kind: NoticeSuccess, Message: "success", CommandID: out.ID})
	case out.Status == StatusUnknown:
		s.notify(Notice{Kind: NoticeFailure, Message: "device returned no status", CommandID: out.ID})
	default:
		status, _ := doc.Get(mast.KeyStatus)
		s.notify(Notice{Kind: NoticeFailure, Message: fmt.Sprintf("device reported %v", status), CommandID: out.ID})
	}
	s.logger.Info("command done", "id", out.ID, "request", req, "status", out.Status, "busy", out.Busy,
		"elapsed", out.FinishedAt.Sub(out.StartedAt))

	s.journal(out, string(out.Status), nil)
	s.emit(EventCommand, out)
	s.Refresh(ctx, false)
	return out, nil
}

func (s *Session) journal(out Outcome, status string, cause error) {
	e := &store.JournalEntry{
		ID:         out.ID,
		Task:       out.Request.Task,
		Value:      out.Request.Value,
		Status:     status,
		Busy:       out.Busy,
		Payload:    out.Payload,
		StartedAt:  out.StartedAt,
		FinishedAt: out.FinishedAt,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if err := s.store.AppendJournal(e); err != nil {
		s.logger.Warn("journal append failed", "id", out.ID, "err", err)
	}
}
