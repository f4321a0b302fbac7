package session

import (
	"time"

	"mast-console/internal/mast"
)

// Connectivity is the reachability of the device as last observed by a
// heartbeat or state fetch.
type Connectivity string

const (
	Offline Connectivity = "offline"
	Online  Connectivity = "online"
)

// State is a consistent copy of the session's shared state. Snapshot is
// shared with the session and must be treated as read-only.
type State struct {
	Connectivity    Connectivity   `json:"connectivity"`
	DeviceBusy      bool           `json:"device_busy"`
	CommandInFlight bool           `json:"command_in_flight"`
	RefreshInFlight bool           `json:"refresh_in_flight"`
	Polling         bool           `json:"polling"`
	Endpoint        mast.Endpoint  `json:"endpoint"`
	Snapshot        *mast.Document `json:"snapshot"`
	LastHeartbeat   time.Time      `json:"last_heartbeat"`
	LastRefresh     time.Time      `json:"last_refresh"`
}

// Busy is the composite gate checked before a command is dispatched.
func (s State) Busy() bool {
	return s.DeviceBusy || s.CommandInFlight || s.RefreshInFlight
}

// Status is the device's verdict on a command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusUnknown Status = "unknown" // no status field in the payload
)

// statusOf classifies the payload's verdict. A status of any other value or
// type than "success" is a failure.
func statusOf(doc *mast.Document) Status {
	if _, ok := doc.Get(mast.KeyStatus); !ok {
		return StatusUnknown
	}
	if doc.Succeeded() {
		return StatusSuccess
	}
	return StatusFailure
}

// Outcome is the result of one dispatched command.
type Outcome struct {
	ID         string         `json:"id"`
	Request    mast.Request   `json:"request"`
	Payload    *mast.Document `json:"payload,omitempty"`
	Busy       bool           `json:"busy"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// NoticeKind classifies a user-visible notice.
type NoticeKind string

const (
	NoticeSuccess  NoticeKind = "success"
	NoticeFailure  NoticeKind = "failure"
	NoticeBusy     NoticeKind = "busy"
	NoticeOffline  NoticeKind = "offline"
	NoticeRejected NoticeKind = "rejected"
	NoticeInfo     NoticeKind = "info"
)

// Notice is a single notification for the operator.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Message   string     `json:"message"`
	CommandID string     `json:"command_id,omitempty"`
}
