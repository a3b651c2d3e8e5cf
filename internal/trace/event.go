package trace

import (
	"fmt"
	"time"
)

// Kind represents the type of trace event.
type Kind uint8

const (
	// KindSpawn marks a task entering the scheduler.
	KindSpawn Kind = iota + 1
	// KindPoll marks one poll of a task (verbose only).
	KindPoll
	// KindComplete marks task completion.
	KindComplete
	// KindCancel marks a cancellation request.
	KindCancel
	// KindSleep marks a sleep-queue registration or wakeup.
	KindSleep
	// KindSteal marks a work-steal between workers.
	KindSteal
	// KindProbe marks a hang-probe report.
	KindProbe
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "spawn"
	case KindPoll:
		return "poll"
	case KindComplete:
		return "complete"
	case KindCancel:
		return "cancel"
	case KindSleep:
		return "sleep"
	case KindSteal:
		return "steal"
	case KindProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Event is one scheduler trace record.
type Event struct {
	Seq    uint64
	Time   time.Time
	Kind   Kind
	Task   uint64 // task id, 0 when not task-scoped
	Worker int    // worker index, -1 for external threads
	Detail string
}

// Format renders the event as a single log line.
func (ev *Event) Format() []byte {
	if ev == nil {
		return nil
	}
	line := fmt.Sprintf("TRACE seq=%d t=%s kind=%s task=%d worker=%d",
		ev.Seq, ev.Time.Format(time.RFC3339Nano), ev.Kind, ev.Task, ev.Worker)
	if ev.Detail != "" {
		line += " " + ev.Detail
	}
	return []byte(line + "\n")
}
