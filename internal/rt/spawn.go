package rt

import (
	"runtime"
	"time"

	"vesper/internal/obj"
	"vesper/internal/trace"
)

// blockQuantum is how long a block_on driver naps when the task parked on a
// primitive with no known deadline.
const blockQuantum = defaultBlockQuantum * time.Microsecond

// Spawn hands t to the scheduler as a background task. The task inherits
// the caller's current cancel token and holds a self-reference until it
// completes, so the embedder may drop its handle immediately.
func (rt *Runtime) Spawn(p *obj.Proc, t *Task) {
	if rt == nil || t == nil || t.Done() {
		return
	}
	if p != nil && p.CurrentToken != 0 {
		rt.tokens.registerTask(t, TokenID(p.CurrentToken))
	}
	t.setFlag(FlagSpawnRetain)
	if rt.tracer.Enabled() {
		rt.tracer.Emit(&trace.Event{
			Time: time.Now(), Kind: trace.KindSpawn,
			Task: uint64(t.id), Worker: -1,
		})
	}
	rt.sched.enqueue(t, p != nil && p.CurrentTask != 0)
}

// BlockOn drives t to completion on the calling thread and returns its
// result. A task that completes on its first poll never suspends the
// caller. While t is parked the caller blocks on the task's primitive when
// one is registered, otherwise in short quanta; with zero workers the
// caller also drains the shared queue so tasks t spawned make progress.
func (rt *Runtime) BlockOn(p *obj.Proc, t *Task) (obj.Value, *obj.Exception) {
	if rt == nil || t == nil {
		return obj.Value{}, obj.NewTypeError("block_on requires a task")
	}
	if p == nil {
		p = rt.NewProc()
	}
	inline := rt.Workers() == 0

	for {
		if v, exc, ok := t.Result(); ok {
			return v, exc
		}

		switch rt.runTask(p, t, -1) {
		case outcomeDone:
			v, exc, _ := t.Result()
			return v, exc

		case outcomeParked:
			kind, blocker := t.waitState()
			switch {
			case blocker != nil:
				blocker.Block(rt.blockDeadline(t))
			case kind == WaitSleep:
				if d, ok := rt.sleep.blockingDeadline(t.id); ok {
					if d > 0 {
						time.Sleep(d)
					}
				} else {
					time.Sleep(blockQuantum)
				}
				// The shared timer registration is redundant now.
				rt.sleep.cancelTask(t.id)
			default:
				time.Sleep(blockQuantum)
			}
			t.ClearWait()
			t.resetPending()

		case outcomePending:
			if inline {
				rt.sched.drainInline()
			} else {
				runtime.Gosched()
			}
		}
	}
}

// blockDeadline translates a task's blocking-sleep registration into an
// absolute deadline for a Blocker, zero when there is none.
func (rt *Runtime) blockDeadline(t *Task) time.Time {
	if d, ok := rt.sleep.blockingDeadline(t.id); ok {
		return time.Now().Add(d)
	}
	return time.Time{}
}

// RegisterBlockingSleep arms a deadline consumed by a block_on driver
// instead of the shared timer thread. Bodies driven by block_on use this so
// the caller sleeps exactly the remaining duration.
func (rt *Runtime) RegisterBlockingSleep(t *Task, delay time.Duration) {
	if rt == nil || t == nil {
		return
	}
	rt.sleep.registerBlocking(t.id, delay)
	t.RegisterWait(WaitSleep, nil)
}
