//go:build !no_mqtt

package mqtt

import (
	"time"

	"mast-console/internal/mast"
	"mast-console/internal/pattern"
	"mast-console/internal/session"
	"mast-console/internal/store"
)

// Topics below the bridge prefix.
const (
	topicBridgeState  = "bridge/state" // daemon liveness, LWT
	topicAvailability = "availability" // device connectivity
	topicState        = "state"
	topicNotice       = "notice"
	topicCommand      = "command"
	topicPattern      = "pattern"
	topicSet          = "set"
)

// statePayload flattens the state for consumers that template on single
// fields, keeping the raw snapshot alongside.
func statePayload(st session.State) map[string]any {
	p := map[string]any{
		"connectivity": st.Connectivity,
		"busy":         st.Busy(),
		"device_busy":  st.DeviceBusy,
		"polling":      st.Polling,
		"endpoint":     st.Endpoint.String(),
		"snapshot":     st.Snapshot,
	}
	if !st.LastRefresh.IsZero() {
		p["last_refresh"] = st.LastRefresh.UTC().Format(time.RFC3339)
	}
	if doc := st.Snapshot; doc != nil {
		if s, ok := doc.Status(); ok {
			p["status"] = s
		}
		p["info_state"] = doc.InfoState()
		cur, target := doc.SectionLengths()
		if cur != nil {
			p[mast.KeySectionLengthCurrent] = *cur
		}
		if target != nil {
			p[mast.KeySectionLengthTarget] = *target
		}
		m := doc.Motion()
		p["angle"] = m.Angle.Direction
		p["vertical"] = m.Vertical.Direction
	}
	return p
}

func commandPayload(out session.Outcome) map[string]any {
	return map[string]any{
		"id":      out.ID,
		"task":    out.Request.Task,
		"value":   out.Request.Value,
		"status":  out.Status,
		"busy":    out.Busy,
		"payload": out.Payload,
	}
}

type patternMessage struct {
	FetchedAt   string           `json:"fetched_at"`
	Count       int              `json:"count"`
	BestBearing int              `json:"best_bearing"`
	BestSignal  float64          `json:"best_signal"`
	MinSignal   float64          `json:"min_signal"`
	MaxSignal   float64          `json:"max_signal"`
	Readings    []pattern.Sample `json:"readings"`
}

func patternPayload(c *store.Capture) patternMessage {
	p := c.Profile
	readings := p.Readings
	if readings == nil {
		readings = []pattern.Sample{}
	}
	return patternMessage{
		FetchedAt:   c.FetchedAt.UTC().Format(time.RFC3339),
		Count:       p.Count,
		BestBearing: p.BestBearing,
		BestSignal:  p.BestSignal,
		MinSignal:   p.MinSignal,
		MaxSignal:   p.MaxSignal,
		Readings:    readings,
	}
}
