// Package trace records scheduler events for diagnostics. Tracing is off by
// default and never affects functional behavior; the scheduler emits events
// only when the trace toggle is enabled.
package trace

import (
	"fmt"
	"sync/atomic"
)

// Tracer is the interface for emitting scheduler trace events.
type Tracer interface {
	// Emit records a trace event. Must be goroutine-safe.
	Emit(ev *Event)

	// Flush ensures all buffered events are written.
	Flush() error

	// Close flushes and releases resources.
	Close() error

	// Level returns the current tracing level.
	Level() Level

	// Enabled returns true if tracing is active (Level > LevelOff).
	Enabled() bool
}

// Level controls tracing verbosity.
type Level uint8

const (
	// LevelOff disables tracing.
	LevelOff Level = iota // no tracing
	// LevelSched emits scheduler lifecycle events (spawn, complete, cancel).
	LevelSched
	// LevelVerbose additionally emits per-poll events.
	LevelVerbose
)

// String returns the string representation of Level.
func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelSched:
		return "sched"
	case LevelVerbose:
		return "verbose"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "off", "OFF", "0":
		return LevelOff, nil
	case "sched", "SCHED", "1":
		return LevelSched, nil
	case "verbose", "VERBOSE", "2":
		return LevelVerbose, nil
	default:
		return LevelOff, fmt.Errorf("invalid trace level: %q (expected: off|sched|verbose)", s)
	}
}

// ShouldEmit reports whether an event kind is emitted at this level.
func (l Level) ShouldEmit(kind Kind) bool {
	switch l {
	case LevelOff:
		return false
	case LevelSched:
		return kind != KindPoll
	case LevelVerbose:
		return true
	}
	return false
}

var seq atomic.Uint64

// NextSeq returns the next global event sequence number.
func NextSeq() uint64 {
	return seq.Add(1)
}
