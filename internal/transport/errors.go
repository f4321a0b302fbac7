package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"mast-console/internal/mast"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindConnect  Kind = "connect"
	KindTimeout  Kind = "timeout"
	KindCanceled Kind = "canceled"
	KindStatus   Kind = "status"
	KindDecode   Kind = "decode"
)

// Error is returned by every Client call that did not produce a usable
// response.
type Error struct {
	Op         string // "heartbeat", "send", "log"
	Kind       Kind
	StatusCode int            // set for KindStatus
	Payload    *mast.Document // decodable body of a non-2xx reply, if any
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("%s: device replied %d", e.Op, e.StatusCode)
	default:
		if e.Err == nil {
			return fmt.Sprintf("%s: %s", e.Op, e.Kind)
		}
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Offline reports whether the failure means the device could not be reached
// at all, as opposed to a reachable device answering with something unusable.
func (e *Error) Offline() bool {
	switch e.Kind {
	case KindConnect, KindTimeout, KindCanceled:
		return true
	default:
		return false
	}
}

// IsOffline reports whether err is a transport failure that marks the device
// unreachable.
func IsOffline(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Offline()
}

func networkError(op string, err error) *Error {
	kind := KindConnect
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.As(err, &ne) && ne.Timeout():
		kind = KindTimeout
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
