package rt

import (
	"sync"
	"time"
)

// Event is a one-shot completion signal tasks can park on. External
// completion sources (io drivers, joined threads, reaped processes) fire it
// from any goroutine; the bound task is handed back to the scheduler.
type Event struct {
	rt   *Runtime
	task *Task

	mu   sync.Mutex
	set  bool
	done chan struct{}
	intr chan struct{}
}

// NewEvent binds a fresh event to t as its wait primitive. The task stays
// parked until Set fires or it is cancelled.
func (rt *Runtime) NewEvent(t *Task, kind WaitKind) *Event {
	e := &Event{
		rt:   rt,
		task: t,
		done: make(chan struct{}),
		intr: make(chan struct{}, 1),
	}
	if t != nil {
		t.RegisterWait(kind, e)
	}
	return e
}

// Set fires the event. Idempotent. The bound task is unparked and
// rescheduled; a block_on driver waiting in Block returns true.
func (e *Event) Set() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return
	}
	e.set = true
	close(e.done)
	e.mu.Unlock()

	if e.task != nil {
		e.task.ClearWait()
		e.task.resetPending()
		e.rt.wakeTask(e.task)
	}
}

// IsSet reports whether the event fired.
func (e *Event) IsSet() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Block parks the caller until the event fires, an Interrupt arrives, or
// the deadline passes (zero deadline means none). Returns whether the event
// is set.
func (e *Event) Block(deadline time.Time) bool {
	if e == nil {
		return false
	}
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-e.done:
	case <-e.intr:
	case <-timeout:
	}
	return e.IsSet()
}

// Interrupt wakes a blocked driver without setting the event. Cancellation
// uses this so a cancelled task's driver can observe the pending cancel.
func (e *Event) Interrupt() {
	if e == nil {
		return
	}
	select {
	case e.intr <- struct{}{}:
	default:
	}
}
