package mast

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrUnknownTask     = errors.New("unknown task")
	ErrInvalidValue    = errors.New("invalid value")
)

// Task is the single-letter command code understood by the controller.
type Task string

// Mast tasks, posted to /mast.
const (
	TaskState       Task = "s"
	TaskVertical    Task = "v"
	TaskAngle       Task = "a"
	TaskSetHeight   Task = "h"
	TaskForceHeight Task = "f"
)

// Bridge tasks, posted to /bridge.
const (
	TaskAzimuth    Task = "z"
	TaskCalibrate  Task = "c"
	TaskWiFiSearch Task = "w"
)

// Operator bounds.
const (
	MinHeight  = 0.0
	MaxHeight  = 1.4
	MinAzimuth = 0.0
	MaxAzimuth = 359.0
)

// Device paths.
const (
	PathMast      = "/mast"
	PathBridge    = "/bridge"
	PathHeartbeat = "/heartbit"
	PathLog       = "/log"
)

// Request is one {task, value} command body.
type Request struct {
	Task  Task    `json:"task"`
	Value float64 `json:"value"`
}

// Path returns the device path the request is posted to.
func (r Request) Path() string {
	switch r.Task {
	case TaskAzimuth, TaskCalibrate, TaskWiFiSearch:
		return PathBridge
	default:
		return PathMast
	}
}

// IsStateQuery reports whether r is the read-only state poll.
func (r Request) IsStateQuery() bool {
	return r.Task == TaskState
}

func (r Request) String() string {
	return fmt.Sprintf("%s=%g", r.Task, r.Value)
}

// StateQuery returns the state poll request. Its value is ignored by the device.
func StateQuery() Request {
	return Request{Task: TaskState}
}

// Vertical jogs the mast up (1), down (-1) or stops it (0).
func Vertical(direction int) (Request, error) {
	return NewRequest(TaskVertical, float64(direction))
}

// Angle jogs the tilt axis forward (1), back (-1) or stops it (0).
func Angle(direction int) (Request, error) {
	return NewRequest(TaskAngle, float64(direction))
}

// SetHeight sets the target section length in metres.
func SetHeight(h float64) (Request, error) {
	return NewRequest(TaskSetHeight, h)
}

// ForceHeight overrides the measured section length in metres.
func ForceHeight(h float64) (Request, error) {
	return NewRequest(TaskForceHeight, h)
}

// Azimuth points the bridge antenna at the given bearing.
func Azimuth(deg float64) (Request, error) {
	return NewRequest(TaskAzimuth, deg)
}

// Calibrate starts a calibration sweep on the bridge.
func Calibrate() Request {
	return Request{Task: TaskCalibrate}
}

// WiFiSearch starts a Wi-Fi scan on the bridge.
func WiFiSearch() Request {
	return Request{Task: TaskWiFiSearch}
}

// NewRequest validates a task and its value against the operator bounds.
func NewRequest(task Task, value float64) (Request, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Request{}, fmt.Errorf("task %q: value is not a finite number: %w", task, ErrInvalidValue)
	}
	switch task {
	case TaskState, TaskCalibrate, TaskWiFiSearch:
		value = 0
	case TaskVertical, TaskAngle:
		if value != -1 && value != 0 && value != 1 {
			return Request{}, fmt.Errorf("task %q: direction must be -1, 0 or 1, got %g: %w", task, value, ErrInvalidValue)
		}
	case TaskSetHeight, TaskForceHeight:
		if err := checkRange(task, value, MinHeight, MaxHeight); err != nil {
			return Request{}, err
		}
	case TaskAzimuth:
		if err := checkRange(task, value, MinAzimuth, MaxAzimuth); err != nil {
			return Request{}, err
		}
	default:
		return Request{}, fmt.Errorf("task %q: %w", task, ErrUnknownTask)
	}
	return Request{Task: task, Value: value}, nil
}

func checkRange(task Task, value, lo, hi float64) error {
	if value < lo {
		return fmt.Errorf("task %q: value must be at least %g, got %g: %w", task, lo, value, ErrInvalidValue)
	}
	if value > hi {
		return fmt.Errorf("task %q: value must be at most %g, got %g: %w", task, hi, value, ErrInvalidValue)
	}
	return nil
}
