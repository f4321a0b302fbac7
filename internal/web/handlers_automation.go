package web

import (
	"errors"
	"net/http"
	"slices"

	"mast-console/internal/automation"
)

// scriptView is a stored script plus whether its VM is live.
type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

func (s *Server) scriptViews(scripts ...*automation.Script) []scriptView {
	var running []string
	if s.autoEngine != nil {
		running = s.autoEngine.Running()
	}
	views := make([]scriptView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, scriptView{Script: sc, Running: slices.Contains(running, sc.ID)})
	}
	return views
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []scriptView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, s.scriptViews(scripts...))
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.scriptViews(script)[0])
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return
	}

	var req saveAutomationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.logger.Error("create script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.reloadScript(saved.ID, "create")
	s.writeJSON(w, http.StatusCreated, s.scriptViews(saved)[0])
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return
	}

	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}

	var req saveAutomationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	existing.Meta = automation.ScriptMeta{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled,
	}
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.logger.Error("update script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.reloadScript(saved.ID, "update")
	s.writeJSON(w, http.StatusOK, s.scriptViews(saved)[0])
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return
	}

	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		if errors.Is(err, automation.ErrScriptNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("delete script", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return
	}

	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled

	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.logger.Error("toggle script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.reloadScript(saved.ID, "toggle")
	s.writeJSON(w, http.StatusOK, s.scriptViews(saved)[0])
}

// handleAPIRunAutomation runs a stored script once, or the lua_code in the
// body when the id is "_inline".
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automation engine not available")
		return
	}

	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeJSON(w, r, &req) {
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
}

// reloadScript restarts or stops the script's VM to match its saved state.
func (s *Server) reloadScript(id, op string) {
	if s.autoEngine == nil {
		return
	}
	if err := s.autoEngine.ReloadScript(id); err != nil {
		s.logger.Error("reload script", "op", op, "id", id, "err", err)
	}
}
