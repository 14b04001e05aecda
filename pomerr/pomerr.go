// Package pomerr implements the error taxonomy from the engine's error
// handling design: a small set of kinds, not types, distinguishing how the
// dispatcher and its callers should react to a failure.
package pomerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure the way the engine's operators need to react to
// it, independently of where in the pipeline it originated.
type Kind int

const (
	// InvalidPacket is an on-wire malformation. Callers increment a
	// per-protocol counter and drop the packet; the conntrack entry (if any)
	// survives.
	InvalidPacket Kind = iota

	// ResourceExhausted is an allocation failure or a full table. The
	// current packet is dropped and a WARN is logged; processing continues.
	ResourceExhausted

	// StateCorrupted means a runtime invariant was violated. The offending
	// conntrack entry is torn down and an ERR is logged.
	StateCorrupted

	// ConfigError means a control-plane parameter change was rejected. No
	// core state changes; the error is surfaced to the caller verbatim.
	ConfigError

	// IoError means an input driver lost its source. The driver transitions
	// to Stopped; other inputs are unaffected.
	IoError

	// Fatal means the process has lost internal coherence and must begin a
	// graceful shutdown.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidPacket:
		return "invalid-packet"
	case ResourceExhausted:
		return "resource-exhausted"
	case StateCorrupted:
		return "state-corrupted"
	case ConfigError:
		return "config-error"
	case IoError:
		return "io-error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind. The cause is built with
// github.com/pkg/errors and keeps its stack trace, reachable through
// Cause/Unwrap; Error has no Format method of its own, so %+v on it prints
// the same text as Error().
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }
func (e *Error) Cause() error  { return e.cause }

// New creates a Kind-tagged error from a message.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, cause: errors.New(message)}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap tags an existing error with a Kind, preserving its cause chain.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, message)}
}

// Is reports whether err (or anything in its cause chain) carries kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	for err != nil {
		if p, ok := err.(*Error); ok {
			pe = p
			if pe.Kind == kind {
				return true
			}
			err = pe.cause
			continue
		}
		cause := errors.Unwrap(err)
		if cause == nil {
			return false
		}
		err = cause
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Fatal if err does not
// carry one — an untagged error reaching a boundary that expects a Kind is
// itself a coherence bug.
func KindOf(err error) Kind {
	for err != nil {
		if p, ok := err.(*Error); ok {
			return p.Kind
		}
		err = errors.Unwrap(err)
	}
	return Fatal
}
