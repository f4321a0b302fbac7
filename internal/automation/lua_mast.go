//go:build !no_automation

package automation

import (
	"errors"
	"time"

	lua "github.com/yuin/gopher-lua"

	"mast-console/internal/mast"
	"mast-console/internal/session"
)

const maxHandlersPerScript = 100

// registerMastModule registers the `mast` global table in a Lua state.
func registerMastModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on":            func(L *lua.LState) int { return mastOn(L, vm) },
		"command":       func(L *lua.LState) int { return mastCommand(L, vm, e) },
		"state":         func(L *lua.LState) int { return mastState(L, e) },
		"fetch_pattern": func(L *lua.LState) int { return mastFetchPattern(L, vm, e) },
		"after":         func(L *lua.LState) int { return mastAfter(L, vm, e) },
		"log":           func(L *lua.LState) int { return mastLog(L, vm, e) },
	})
	L.SetGlobal("mast", mod)
}

// mast.on(type, [filter], callback)
func mastOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		h.filter = make(map[string]string)
		filter.ForEach(func(k, v lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				h.filter[string(ks)] = luaFilterValue(v)
			}
		})
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// luaFilterValue renders a filter value the way fmt.Sprint renders the
// matching Go event field.
func luaFilterValue(v lua.LValue) string {
	if b, ok := v.(lua.LBool); ok {
		if b {
			return "true"
		}
		return "false"
	}
	return v.String()
}

// mast.command(task, [value]) -> {id, status, busy, payload} | nil, err
func mastCommand(L *lua.LState, vm *scriptVM, e *Engine) int {
	task := mast.Task(L.CheckString(1))
	value := float64(L.OptNumber(2, 0))

	req, err := mast.NewRequest(task, value)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	out, err := e.ctrl.RunCommand(vm.ctx, req)
	if err != nil {
		e.logger.Warn("script command failed", "id", vm.id, "request", req, "err", err)
		msg := err.Error()
		if errors.Is(err, session.ErrBusy) {
			msg = "busy"
		}
		L.Push(lua.LNil)
		L.Push(lua.LString(msg))
		return 2
	}

	L.Push(goToLua(L, outcomeData(out)))
	return 1
}

func outcomeData(out session.Outcome) map[string]any {
	return map[string]any{
		"id":      out.ID,
		"status":  string(out.Status),
		"busy":    out.Busy,
		"payload": out.Payload.Map(),
	}
}

// mast.state() -> table
func mastState(L *lua.LState, e *Engine) int {
	L.Push(goToLua(L, stateData(e.ctrl.State())))
	return 1
}

// mast.fetch_pattern() -> table or nil, error
func mastFetchPattern(L *lua.LState, vm *scriptVM, e *Engine) int {
	p, _, err := e.ctrl.FetchPattern(vm.ctx)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	readings := make([]any, 0, len(p.Readings))
	for _, r := range p.Readings {
		readings = append(readings, map[string]any{"bearing": r.Bearing, "signal": r.Signal})
	}
	L.Push(goToLua(L, map[string]any{
		"count":        p.Count,
		"best_bearing": p.BestBearing,
		"best_signal":  p.BestSignal,
		"min_signal":   p.MinSignal,
		"max_signal":   p.MaxSignal,
		"readings":     readings,
	}))
	return 1
}

// mast.after(seconds, callback)
func mastAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		}:
		case <-vm.ctx.Done():
		}
	}()
	return 0
}

// mast.log(msg)
func mastLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	scriptLog(vm, e, "info", L.CheckString(1))
	return 0
}

func scriptLog(vm *scriptVM, e *Engine, level, msg string) {
	if vm.logf != nil {
		vm.logf(level, msg)
	}
	args := []any{"id", vm.id, "msg", msg}
	switch level {
	case "debug":
		e.logger.Debug("script log", args...)
	case "warn":
		e.logger.Warn("script log", args...)
	case "error":
		e.logger.Error("script log", args...)
	default:
		e.logger.Info("script log", args...)
	}
}
