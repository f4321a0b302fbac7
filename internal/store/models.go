package store

import (
	"time"

	"mast-console/internal/mast"
	"mast-console/internal/pattern"
)

// JournalEntry records one command attempt, including local rejections.
type JournalEntry struct {
	ID         string         `json:"id"`
	Seq        uint64         `json:"seq"`
	Task       mast.Task      `json:"task"`
	Value      float64        `json:"value"`
	Status     string         `json:"status"`
	Busy       bool           `json:"busy"`
	Error      string         `json:"error,omitempty"`
	Payload    *mast.Document `json:"payload,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Capture is the last fetched calibration log with its analyzed profile.
type Capture struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Endpoint  mast.Endpoint   `json:"endpoint"`
	RawLog    string          `json:"raw_log"`
	Profile   pattern.Profile `json:"profile"`
}
