package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"mast-console/internal/mast"
	"mast-console/internal/pattern"
	"mast-console/internal/session"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newStateView(s.console.State()))
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := s.console.Refresh(r.Context(), true); err != nil {
		if errors.Is(err, session.ErrStopped) {
			s.writeError(w, http.StatusServiceUnavailable, "session stopped")
			return
		}
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": "device unreachable",
			"state": newStateView(s.console.State()),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, newStateView(s.console.State()))
}

type pollingRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleAPISetPolling(w http.ResponseWriter, r *http.Request) {
	var req pollingRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.console.SetPolling(*req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

type commandRequest struct {
	Task  string  `json:"task"`
	Value float64 `json:"value"`
}

// handleAPIRunCommand answers 409 when the command was gated locally, 502
// when the device could not be reached and 200 with the device's verdict
// otherwise.
func (s *Server) handleAPIRunCommand(w http.ResponseWriter, r *http.Request) {
	var body commandRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}
	req, err := mast.NewRequest(mast.Task(body.Task), body.Value)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IsStateQuery() {
		s.writeError(w, http.StatusBadRequest, "use POST /api/state/refresh to query state")
		return
	}

	out, err := s.console.RunCommand(r.Context(), req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, out)
	case errors.Is(err, session.ErrBusy):
		s.writeJSON(w, http.StatusConflict, map[string]any{"error": "device is busy", "outcome": out})
	case errors.Is(err, session.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, "session stopped")
	default:
		s.logger.Warn("command failed", "request", req, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": "request failed", "outcome": out})
	}
}

func (s *Server) handleAPIListCommands(w http.ResponseWriter, r *http.Request) {
	limit := defaultJournalLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJournalLimit)
	}

	entries, err := s.journal.ListJournal(limit)
	if err != nil {
		s.logger.Error("list journal", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAPIGetEndpoint(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.console.State().Endpoint)
}

// endpointRequest accepts the port as a JSON number or a numeric string, as
// typed into the operator form.
type endpointRequest struct {
	Host string      `json:"host"`
	Port json.Number `json:"port"`
}

func (s *Server) handleAPISetEndpoint(w http.ResponseWriter, r *http.Request) {
	var body endpointRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}
	ep, err := mast.ParseEndpoint(body.Host, body.Port.String())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.console.SetEndpoint(r.Context(), ep); err != nil {
		if errors.Is(err, session.ErrStopped) {
			s.writeError(w, http.StatusServiceUnavailable, "session stopped")
			return
		}
		s.logger.Error("set endpoint", "endpoint", ep, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, newStateView(s.console.State()))
}

func (s *Server) handleAPIFetchPattern(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.console.FetchPattern(r.Context()); err != nil {
		if errors.Is(err, session.ErrStopped) {
			s.writeError(w, http.StatusServiceUnavailable, "session stopped")
			return
		}
		s.writeError(w, http.StatusBadGateway, "calibration log unavailable")
		return
	}
	c, _ := s.console.LastCapture()
	s.writeJSON(w, http.StatusOK, newPatternView(c, s.geometry, false))
}

func (s *Server) handleAPIGetPattern(w http.ResponseWriter, r *http.Request) {
	c, ok := s.console.LastCapture()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no calibration pattern captured")
		return
	}
	withRaw, _ := strconv.ParseBool(r.URL.Query().Get("raw"))
	s.writeJSON(w, http.StatusOK, newPatternView(c, s.geometry, withRaw))
}

func (s *Server) handleAPIExportPattern(w http.ResponseWriter, r *http.Request) {
	c, ok := s.console.LastCapture()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no calibration pattern captured")
		return
	}

	// Render fully before writing so a failure still yields a clean error.
	var buf bytes.Buffer
	if err := pattern.WriteXLSX(&buf, c.Profile, s.geometry, c.FetchedAt); err != nil {
		s.logger.Error("export pattern", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	name := fmt.Sprintf("pattern-%s.xlsx", c.FetchedAt.UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write export response", "err", err)
	}
}
