//go:build !no_automation

// Package automation runs operator Lua scripts that react to session events
// and drive the mast through the same command path as the web API.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"mast-console/internal/mast"
	"mast-console/internal/pattern"
	"mast-console/internal/session"
)

// runTimeout bounds a one-shot script run.
const runTimeout = 15 * time.Second

// Controller is the part of the session scripts can reach.
type Controller interface {
	Events() *session.EventBus
	State() session.State
	RunCommand(ctx context.Context, req mast.Request) (session.Outcome, error)
	FetchPattern(ctx context.Context) (pattern.Profile, string, error)
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a Lua callback registered with mast.on.
type luaEventHandler struct {
	eventType string            // "*" matches every type
	filter    map[string]string // every key must match the event field
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	id       string
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf receives mast.log/system.log output; nil logs to the engine logger.
	logf func(level, msg string)
}

// Engine manages Lua VMs and dispatches session events to scripts.
type Engine struct {
	ctrl    Controller
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()

	clock func() time.Time
}

// NewEngine creates a new automation engine.
func NewEngine(ctrl Controller, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		ctrl:    ctrl,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
		clock:   time.Now,
	}
}

func (e *Engine) now() time.Time {
	return e.clock()
}

// Start subscribes to session events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.ctrl.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the IDs of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript stops the old VM (if any) and starts a new one when the
// script is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Logs: []string{}, Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code once in a temporary sandboxed VM. Handlers the
// code registers with mast.on are invoked once with a synthetic event of
// their type, so reactive scripts can be tried out on demand.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  = []string{}
	)
	vm := &scriptVM{
		id:       "_run",
		commands: make(chan func(*lua.LState), 1),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(level, msg string) {
			logMu.Lock()
			defer logMu.Unlock()
			if level != "info" {
				msg = "[" + level + "] " + msg
			}
			logs = append(logs, msg)
		},
	}
	L := e.newState(vm)
	defer L.Close()
	L.SetContext(ctx)

	fail := func(err error) *RunResult {
		msg := err.Error()
		if strings.Contains(msg, context.DeadlineExceeded.Error()) {
			msg = fmt.Sprintf("timeout (%s)", runTimeout)
		}
		e.logger.Warn("script run failed", "err", msg)
		return &RunResult{OK: false, Error: msg, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		ev := syntheticEvent(h)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, ev)); err != nil {
			return fail(err)
		}
	}

	dur := time.Since(start)
	e.logger.Info("script run complete", "handlers", len(handlers), "logs", len(logs), "duration", dur)
	return &RunResult{OK: true, Logs: logs, Duration: dur.String()}
}

// newState creates a sandboxed Lua state with the mast and system modules.
func (e *Engine) newState(vm *scriptVM) *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	registerMastModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := &scriptVM{
		id:       s.ID,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	L := e.newState(vm)

	// Top-level code registers handlers and may issue commands.
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues a call of every matching handler on its VM.
func (e *Engine) dispatchEvent(event session.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	data := eventData(event)
	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, string(event.Type), data) {
				continue
			}
			fn := h.fn
			ev := luaEvent{Type: string(event.Type), Data: data}
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, vm, fn, ev) }:
			default:
				e.logger.Warn("script queue full, dropping event", "id", vm.id, "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, eventType string, data map[string]any) bool {
	if h.eventType != "*" && h.eventType != eventType {
		return false
	}
	for k, want := range h.filter {
		v, ok := data[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, vm *scriptVM, fn *lua.LFunction, ev luaEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", vm.id, "panic", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, ev)); err != nil {
		e.logger.Error("lua handler error", "id", vm.id, "type", ev.Type, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case fmt.Stringer:
		return lua.LString(val.String())
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
