package web

import (
	"time"

	"mast-console/internal/mast"
	"mast-console/internal/pattern"
	"mast-console/internal/session"
	"mast-console/internal/store"
)

// stateView is the operator-facing rendering of the session state.
type stateView struct {
	Connectivity    session.Connectivity `json:"connectivity"`
	Busy            bool                 `json:"busy"`
	DeviceBusy      bool                 `json:"device_busy"`
	CommandInFlight bool                 `json:"command_in_flight"`
	RefreshInFlight bool                 `json:"refresh_in_flight"`
	Polling         bool                 `json:"polling"`
	Endpoint        mast.Endpoint        `json:"endpoint"`
	Snapshot        *mast.Document       `json:"snapshot"`
	Status          string               `json:"status,omitempty"`
	InfoState       string               `json:"info_state,omitempty"`
	Motion          *mast.Motion         `json:"motion,omitempty"`
	Lengths         lengthsView          `json:"lengths"`
	LastHeartbeat   time.Time            `json:"last_heartbeat,omitzero"`
	LastRefresh     time.Time            `json:"last_refresh,omitzero"`
}

// lengthsView holds the section lengths in metres; nil when not reported.
type lengthsView struct {
	Current *float64 `json:"current"`
	Target  *float64 `json:"target"`
}

func newStateView(st session.State) stateView {
	v := stateView{
		Connectivity:    st.Connectivity,
		Busy:            st.Busy(),
		DeviceBusy:      st.DeviceBusy,
		CommandInFlight: st.CommandInFlight,
		RefreshInFlight: st.RefreshInFlight,
		Polling:         st.Polling,
		Endpoint:        st.Endpoint,
		Snapshot:        st.Snapshot,
		LastHeartbeat:   st.LastHeartbeat,
		LastRefresh:     st.LastRefresh,
	}
	if doc := st.Snapshot; doc != nil {
		v.Status, _ = doc.Status()
		v.InfoState = doc.InfoState()
		m := doc.Motion()
		v.Motion = &m
		v.Lengths.Current, v.Lengths.Target = doc.SectionLengths()
	}
	return v
}

// patternView is a capture with its polar projection.
type patternView struct {
	FetchedAt time.Time        `json:"fetched_at"`
	Endpoint  mast.Endpoint    `json:"endpoint"`
	Profile   pattern.Profile  `json:"profile"`
	Geometry  pattern.Geometry `json:"geometry"`
	Points    []pattern.Point  `json:"points"`
	Path      string           `json:"path"`
	RawLog    string           `json:"raw_log,omitempty"`
}

func newPatternView(c *store.Capture, g pattern.Geometry, withRaw bool) patternView {
	points := pattern.Project(c.Profile, g)
	v := patternView{
		FetchedAt: c.FetchedAt,
		Endpoint:  c.Endpoint,
		Profile:   c.Profile,
		Geometry:  g,
		Points:    points,
		Path:      pattern.SVGPath(points),
	}
	if withRaw {
		v.RawLog = c.RawLog
	}
	return v
}
