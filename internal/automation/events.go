//go:build !no_automation

package automation

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"mast-console/internal/session"
	"mast-console/internal/store"
)

// luaEvent is a session event flattened for Lua.
type luaEvent struct {
	Type string
	Data map[string]any
}

// eventData flattens a session event into the fields handlers filter on.
func eventData(ev session.Event) map[string]any {
	switch d := ev.Data.(type) {
	case session.Connectivity:
		return map[string]any{"connectivity": string(d)}
	case session.State:
		return stateData(d)
	case session.Notice:
		return map[string]any{"kind": string(d.Kind), "message": d.Message, "command_id": d.CommandID}
	case session.Outcome:
		return map[string]any{
			"id":     d.ID,
			"task":   string(d.Request.Task),
			"value":  d.Request.Value,
			"status": string(d.Status),
			"busy":   d.Busy,
		}
	case *store.Capture:
		p := d.Profile
		return map[string]any{
			"count":        p.Count,
			"best_bearing": p.BestBearing,
			"best_signal":  p.BestSignal,
			"min_signal":   p.MinSignal,
			"max_signal":   p.MaxSignal,
		}
	case bool:
		return map[string]any{"enabled": d}
	default:
		return map[string]any{"value": fmt.Sprint(d)}
	}
}

func stateData(st session.State) map[string]any {
	m := map[string]any{
		"connectivity": string(st.Connectivity),
		"busy":         st.Busy(),
		"device_busy":  st.DeviceBusy,
		"polling":      st.Polling,
		"endpoint":     st.Endpoint.String(),
	}
	if doc := st.Snapshot; doc != nil {
		if s, ok := doc.Status(); ok {
			m["status"] = s
		}
		m["info_state"] = doc.InfoState()
		cur, target := doc.SectionLengths()
		if cur != nil {
			m["section_length_current"] = *cur
		}
		if target != nil {
			m["section_length_target"] = *target
		}
		motion := doc.Motion()
		m["angle"] = string(motion.Angle.Direction)
		m["vertical"] = string(motion.Vertical.Direction)
	}
	return m
}

// syntheticEvent builds the event a one-shot run feeds to a handler: its
// filter values, so the handler's own conditions hold.
func syntheticEvent(h luaEventHandler) luaEvent {
	data := make(map[string]any, len(h.filter))
	for k, v := range h.filter {
		data[k] = v
	}
	return luaEvent{Type: h.eventType, Data: data}
}

func eventTable(L *lua.LState, ev luaEvent) *lua.LTable {
	t := L.NewTable()
	for k, v := range ev.Data {
		t.RawSetString(k, goToLua(L, v))
	}
	t.RawSetString("type", lua.LString(ev.Type))
	return t
}
