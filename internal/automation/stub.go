//go:build no_automation

// Package automation is compiled out; every call reports it as disabled.
package automation

import (
	"context"
	"errors"
	"log/slog"

	"mast-console/internal/mast"
	"mast-console/internal/pattern"
	"mast-console/internal/session"
)

// ErrScriptNotFound is returned for every lookup when automation is disabled.
var ErrScriptNotFound = errors.New("script not found")

// Controller is the part of the session scripts can reach.
type Controller interface {
	Events() *session.EventBus
	State() session.State
	RunCommand(ctx context.Context, req mast.Request) (session.Outcome, error)
	FetchPattern(ctx context.Context) (pattern.Profile, string, error)
}

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager when automation is disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)   { return nil, ErrScriptNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }
func (m *Manager) Delete(_ string) error           { return ErrScriptNotFound }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ Controller, _ *Manager, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) Running() []string           { return nil }
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled", Logs: []string{}}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled", Logs: []string{}}
}
