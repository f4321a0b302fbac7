//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"datetime":     func(L *lua.LState) int { return systemDatetime(L, e.now()) },
		"time_between": func(L *lua.LState) int { return systemTimeBetween(L, e.now()) },
		"log": func(L *lua.LState) int {
			scriptLog(vm, e, L.CheckString(1), L.CheckString(2))
			return 0
		},
	})
	L.SetGlobal("system", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState, now time.Time) int {
	switch component := L.CheckString(1); component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour), wrapping past midnight when
// from > to.
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := now.Hour()

	if from <= to {
		L.Push(lua.LBool(hour >= from && hour < to))
	} else {
		L.Push(lua.LBool(hour >= from || hour < to))
	}
	return 1
}
