// Package rt implements the Vesper task/generator execution engine: the
// poll-function ABI, the generator and async-generator re-entry protocol,
// a work-stealing scheduler with timer sleep, and hierarchical cooperative
// cancellation. Tasks are stackless: everything a call stack would hold at
// a suspension point is boxed into the task object and swapped into the
// ambient Proc context around each poll.
package rt

import (
	"sync"
	"sync/atomic"
	"time"

	"vesper/internal/obj"
)

// TaskID identifies a task within one Runtime.
type TaskID uint64

// TaskKind distinguishes plain futures from generators.
type TaskKind uint8

const (
	// KindFuture is a plain pollable task.
	KindFuture TaskKind = iota
	// KindGenerator is a task driven through the send/throw/close protocol.
	KindGenerator
)

// String returns the kind name.
func (k TaskKind) String() string {
	switch k {
	case KindFuture:
		return "future"
	case KindGenerator:
		return "generator"
	default:
		return "unknown"
	}
}

// PollStatus reports how one poll of a task ended.
type PollStatus uint8

const (
	// StatusPending means the task suspended and must be polled again.
	StatusPending PollStatus = iota
	// StatusYield means a generator produced a value and suspended.
	StatusYield
	// StatusDone means the task (or generator) completed with a value.
	StatusDone
)

// PollFunc is the poll ABI: one synchronous resumption of a task. A raised
// exception is reported out of band through p.Throw, never through the
// return value; drivers drain the pending channel after every call.
type PollFunc func(p *obj.Proc, t *Task) (obj.Value, PollStatus)

// Task flag bits.
const (
	// FlagRunning is set while a driver is inside the task's poll.
	FlagRunning uint32 = 1 << iota
	// FlagStarted is set on the first poll and never cleared.
	FlagStarted
	// FlagCancelPending requests a CancelledError at the next poll.
	FlagCancelPending
	// FlagSpawnRetain marks the extra strong reference held by spawn
	// until completion.
	FlagSpawnRetain
)

// WaitKind identifies the external primitive a pending task is blocked on.
type WaitKind uint8

const (
	// WaitNone means the task is runnable and owned by the scheduler.
	WaitNone WaitKind = iota
	// WaitSleep means the task is registered with the sleep queue.
	WaitSleep
	// WaitIO means the task is blocked on an io readiness event.
	WaitIO
	// WaitThread means the task is blocked on a thread join.
	WaitThread
	// WaitProcess means the task is blocked on a process wait.
	WaitProcess
)

// String returns the wait kind name.
func (k WaitKind) String() string {
	switch k {
	case WaitNone:
		return "none"
	case WaitSleep:
		return "sleep"
	case WaitIO:
		return "io"
	case WaitThread:
		return "thread"
	case WaitProcess:
		return "process"
	default:
		return "unknown"
	}
}

// Blocker is the native blocking primitive behind an external wait. BlockOn
// parks the OS thread on it instead of spinning; cancellation interrupts it
// so a blocked thread wakes promptly.
type Blocker interface {
	// Block waits until the event fires, the blocker is interrupted, or
	// the deadline passes. A zero deadline waits indefinitely. Returns
	// true if the event fired.
	Block(deadline time.Time) bool

	// Interrupt wakes every current and future Block call.
	Interrupt()
}

// Task is a suspendable computation unit: a poll function, an opaque
// resumption-state word, owned payload slots, and the exception context it
// carries across suspension points. A task is polled by at most one driver
// at a time; a nil poll function means the task is inert.
type Task struct {
	id     TaskID
	kind   TaskKind
	poll   PollFunc
	state  atomic.Uint64
	slots  []obj.Value
	flags  atomic.Uint32
	queued atomic.Bool // enqueue dedup: at most one scheduler queue holds the task
	rt     *Runtime

	// exc is the saved exception context while suspended. Only the
	// driver currently executing the task touches it.
	exc *obj.ExcState

	mu         sync.Mutex
	cancelArgs []obj.Value
	wait       WaitKind
	blocker    Blocker
	done       bool
	result     obj.Value
	failure    *obj.Exception
	pendPolls  uint32 // consecutive polls observed pending, for the hang probe
	waiters    []*Task
}

// ID returns the task id.
func (t *Task) ID() TaskID {
	if t == nil {
		return 0
	}
	return t.id
}

// Kind returns the task kind tag.
func (t *Task) Kind() TaskKind {
	if t == nil {
		return KindFuture
	}
	return t.kind
}

// State returns the opaque resumption-state word. Its meaning belongs to
// the poll function alone. The load is atomic so stats snapshots and the
// hang probe can read it while a worker is inside the poll.
func (t *Task) State() uint64 {
	if t == nil {
		return 0
	}
	return t.state.Load()
}

// SetState stores the resumption-state word.
func (t *Task) SetState(s uint64) {
	if t != nil {
		t.state.Store(s)
	}
}

// Slot returns payload slot i, or the none value when out of range.
func (t *Task) Slot(i int) obj.Value {
	if t == nil || i < 0 || i >= len(t.slots) {
		return obj.Nothing()
	}
	return t.slots[i]
}

// SetSlot overwrites payload slot i: the previous occupant is released and
// the new value retained.
func (t *Task) SetSlot(i int, v obj.Value) {
	if t == nil || i < 0 || i >= len(t.slots) {
		return
	}
	old := t.slots[i]
	t.slots[i] = t.rt.heap.Retain(v)
	t.rt.heap.Release(old)
}

// Slots returns the payload slot count.
func (t *Task) Slots() int {
	if t == nil {
		return 0
	}
	return len(t.slots)
}

func (t *Task) setFlag(f uint32) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

func (t *Task) clearFlag(f uint32) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old&^f) {
			return
		}
	}
}

func (t *Task) hasFlag(f uint32) bool {
	return t.flags.Load()&f != 0
}

// Started reports whether the task has been polled at least once.
func (t *Task) Started() bool {
	return t != nil && t.hasFlag(FlagStarted)
}

// Done reports whether the task completed.
func (t *Task) Done() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Result returns the completion value and failure of a done task. The
// boolean is false while the task is still live.
func (t *Task) Result() (obj.Value, *obj.Exception, bool) {
	if t == nil {
		return obj.Value{}, nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		return obj.Value{}, nil, false
	}
	return t.result, t.failure, true
}

// markCancelPending records a cancel request with optional message
// arguments. Repeated requests while one is pending are idempotent: the
// first set of arguments wins and exactly one CancelledError is produced.
// The flag is set before t.mu is released so two racing requests cannot
// both observe it clear.
func (t *Task) markCancelPending(args []obj.Value) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if !t.hasFlag(FlagCancelPending) {
		t.cancelArgs = args
		t.setFlag(FlagCancelPending)
	}
	t.mu.Unlock()
}

// takeCancel consumes a pending cancel request, returning its arguments.
func (t *Task) takeCancel() ([]obj.Value, bool) {
	if t == nil || !t.hasFlag(FlagCancelPending) {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasFlag(FlagCancelPending) {
		return nil, false
	}
	args := t.cancelArgs
	t.cancelArgs = nil
	t.clearFlag(FlagCancelPending)
	return args, true
}

// RegisterWait records that the task is blocked on an external primitive.
// The scheduler will not re-enqueue a pending task that has a registration;
// the primitive's owner enqueues it when the event fires.
func (t *Task) RegisterWait(kind WaitKind, b Blocker) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.wait = kind
	t.blocker = b
	t.mu.Unlock()
}

// ClearWait removes the external-wait registration.
func (t *Task) ClearWait() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.wait = WaitNone
	t.blocker = nil
	t.mu.Unlock()
}

func (t *Task) waitState() (WaitKind, Blocker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wait, t.blocker
}

func (t *Task) notePending() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendPolls++
	return t.pendPolls
}

func (t *Task) resetPending() {
	t.mu.Lock()
	t.pendPolls = 0
	t.mu.Unlock()
}
