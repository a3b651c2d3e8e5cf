package rt

import (
	"fmt"
	"sync"
	"time"

	"vesper/internal/obj"
	"vesper/internal/trace"
)

// Runtime owns the scheduling core: the task table, the work-stealing pool,
// the sleep queue, and the cancellation token forest. Embedders create one
// Runtime per interpreter instance.
type Runtime struct {
	cfg    Config
	heap   *obj.Heap
	tracer trace.Tracer
	tokens *tokenTable
	sleep  *sleepQueue
	sched  *scheduler
	agens  *agRegistry
	probe  *hangProbe

	// runGuard serializes poll execution across workers: parallelism
	// lives in OS-level waiting, never in concurrent object mutation.
	runGuard sync.Mutex

	mu     sync.Mutex
	tasks  map[TaskID]*Task
	nextID TaskID
	closed bool
}

// New constructs a runtime. Worker count, trace level and probe threshold
// come from cfg after environment overrides.
func New(cfg Config) *Runtime {
	cfg.Workers = workersFromEnv(cfg.Workers)
	cfg = cfg.normalize()
	rt := &Runtime{
		cfg:    cfg,
		heap:   obj.NewHeap(),
		tracer: cfg.Tracer,
		tokens: newTokenTable(cfg.TokenWalkDepth),
		tasks:  make(map[TaskID]*Task),
		nextID: 1,
	}
	rt.agens = newAGRegistry()
	rt.probe = newHangProbe(rt, cfg.HangProbeThreshold)
	rt.sleep = newSleepQueue(rt)
	rt.sched = newScheduler(rt, cfg.Workers)
	return rt
}

// Close shuts the pool and timer thread down. Live tasks are abandoned;
// async generators still registered are closed first so their cleanup runs.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	rt.mu.Unlock()

	rt.agens.shutdownAll(rt)
	rt.sched.close()
	rt.sleep.close()
	_ = rt.tracer.Close() //nolint:errcheck // best-effort diagnostics teardown
}

// Heap returns the object heap shared with the embedder.
func (rt *Runtime) Heap() *obj.Heap {
	return rt.heap
}

// Workers returns the configured pool size.
func (rt *Runtime) Workers() int {
	return rt.cfg.Workers
}

// NewProc returns an execution context for an embedder thread.
func (rt *Runtime) NewProc() *obj.Proc {
	return obj.NewProc()
}

// NewFuture allocates a plain task with n payload slots zero-filled to the
// none value.
func (rt *Runtime) NewFuture(poll PollFunc, payload int) *Task {
	return rt.newTask(KindFuture, poll, payload)
}

func (rt *Runtime) newTask(kind TaskKind, poll PollFunc, payload int) *Task {
	rt.mu.Lock()
	id := rt.nextID
	rt.nextID++
	t := &Task{
		id:    id,
		kind:  kind,
		poll:  poll,
		slots: obj.NewSlots(payload),
		rt:    rt,
		exc:   obj.NewExcState(0),
	}
	rt.tasks[id] = t
	rt.mu.Unlock()
	return t
}

// Task returns a live task by id, nil if completed or unknown.
func (rt *Runtime) Task(id TaskID) *Task {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.tasks[id]
}

// runOutcome reports how one scheduler execution of a task ended. The
// caller decides requeueing, so inline drivers and workers can differ.
type runOutcome uint8

const (
	outcomeDone runOutcome = iota
	outcomePending
	outcomeParked
)

// runTask performs the generic task-execution sequence: swap in the task's
// exception context and current-task/current-token thread locals, poll,
// convert a pending cancel into a CancelledError before inspecting the
// result, swap everything back, then complete or report pending.
func (rt *Runtime) runTask(p *obj.Proc, t *Task, worker int) runOutcome {
	if t == nil || t.Done() {
		return outcomeDone
	}
	if t.poll == nil {
		// Inert task: nothing will ever resume it.
		rt.complete(t, obj.Nothing(), nil)
		return outcomeDone
	}

	rt.runGuard.Lock()
	if t.Done() {
		rt.runGuard.Unlock()
		return outcomeDone
	}
	savedExc := p.SwapExc(t.exc)
	savedTask := p.CurrentTask
	savedToken := p.CurrentToken
	p.CurrentTask = uint64(t.id)
	p.CurrentToken = uint64(rt.tokens.tokenOf(t.id))
	t.setFlag(FlagRunning | FlagStarted)

	v, st := t.poll(p, t)

	if args, ok := t.takeCancel(); ok {
		p.Throw(obj.NewCancelled(args...))
	}
	t.clearFlag(FlagRunning)
	exc := p.TakePending()
	t.exc = p.SwapExc(savedExc)
	p.CurrentTask = savedTask
	p.CurrentToken = savedToken

	// The done decision is made while the guard is still held, so a second
	// driver of the same task can never re-enter a terminal poll while the
	// task is being torn down.
	terminal := exc != nil || st == StatusDone
	settled := false
	if terminal {
		if exc != nil {
			v = obj.Value{}
		}
		settled = t.settle(v, exc)
	}
	rt.runGuard.Unlock()

	if rt.tracer.Enabled() {
		rt.tracer.Emit(&trace.Event{
			Time: time.Now(), Kind: trace.KindPoll,
			Task: uint64(t.id), Worker: worker,
			Detail: fmt.Sprintf("status=%d", st),
		})
	}

	if terminal {
		if settled {
			rt.teardown(t)
		}
		return outcomeDone
	}
	rt.probe.observe(t, worker)
	if kind, _ := t.waitState(); kind != WaitNone {
		return outcomeParked
	}
	return outcomePending
}

// settle stores the completion result exactly once. Returns false when
// another driver already settled the task.
func (t *Task) settle(v obj.Value, exc *obj.Exception) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.result = v
	t.failure = exc
	return true
}

// complete finishes a task outside the scheduler path (inert tasks). The
// sequence is settle then teardown, the same as a terminal poll.
func (rt *Runtime) complete(t *Task, v obj.Value, exc *obj.Exception) {
	if t == nil || !t.settle(v, exc) {
		return
	}
	rt.teardown(t)
}

// teardown runs once after a task settles: unregister the token, drop the
// exception context, clear wait registrations, release the payload, and
// wake await waiters.
func (rt *Runtime) teardown(t *Task) {
	t.mu.Lock()
	exc := t.failure
	t.wait = WaitNone
	t.blocker = nil
	t.pendPolls = 0
	waiters := t.waiters
	t.waiters = nil
	slots := t.slots
	t.slots = nil
	t.mu.Unlock()

	t.exc = nil
	rt.tokens.dropTask(t.id)
	rt.sleep.cancelTask(t.id)
	rt.sleep.clearBlocking(t.id)
	for _, s := range slots {
		rt.heap.Release(s)
	}
	t.clearFlag(FlagSpawnRetain)

	rt.mu.Lock()
	delete(rt.tasks, t.id)
	rt.mu.Unlock()

	if rt.tracer.Enabled() {
		detail := "ok"
		if exc != nil {
			detail = exc.Kind.String()
		}
		rt.tracer.Emit(&trace.Event{
			Time: time.Now(), Kind: trace.KindComplete,
			Task: uint64(t.id), Worker: -1, Detail: detail,
		})
	}

	for _, w := range waiters {
		w.resetPending()
		rt.wakeTask(w)
	}
}

// RegisterAwait records waiter as awaiting target. If target is already
// done the waiter is woken immediately.
func (rt *Runtime) RegisterAwait(target, waiter *Task) {
	if target == nil || waiter == nil {
		return
	}
	target.mu.Lock()
	if target.done {
		target.mu.Unlock()
		rt.wakeTask(waiter)
		return
	}
	target.waiters = append(target.waiters, waiter)
	target.mu.Unlock()
}

// wakeTask hands a task back to the scheduler from a non-poll context
// (timer thread, cancellation, await wakeups).
func (rt *Runtime) wakeTask(t *Task) {
	if t == nil || t.Done() {
		return
	}
	rt.sched.enqueue(t, false)
}

// Enqueue schedules a task. When called from inside a poll, pass the
// polling Proc so inline execution defers to the driving loop.
func (rt *Runtime) Enqueue(p *obj.Proc, t *Task) {
	fromPoll := p != nil && p.CurrentTask != 0
	rt.sched.enqueue(t, fromPoll)
}

// RegisterSleep arms a sleep-queue wakeup for the task after delay.
func (rt *Runtime) RegisterSleep(t *Task, delay time.Duration) {
	if rt.tracer.Enabled() {
		rt.tracer.Emit(&trace.Event{
			Time: time.Now(), Kind: trace.KindSleep,
			Task: uint64(t.ID()), Worker: -1,
			Detail: fmt.Sprintf("delay=%s", delay),
		})
	}
	rt.sleep.register(t, delay)
}

// CancelSleep removes the task's sleep registration; the task is then never
// woken by it.
func (rt *Runtime) CancelSleep(t *Task) {
	if t == nil {
		return
	}
	rt.sleep.cancelTask(t.id)
	t.ClearWait()
}

// SleepRegistered reports whether the task has a live sleep registration.
func (rt *Runtime) SleepRegistered(t *Task) bool {
	return t != nil && rt.sleep.registered(t.id)
}

// NewToken creates a cancellation token under parent.
func (rt *Runtime) NewToken(parent TokenID) TokenID {
	return rt.tokens.newToken(parent)
}

// RetainToken adds a reference to the token.
func (rt *Runtime) RetainToken(id TokenID) {
	rt.tokens.retain(id)
}

// ReleaseToken drops a reference to the token. The root is immortal.
func (rt *Runtime) ReleaseToken(id TokenID) {
	rt.tokens.release(id)
}

// IsCancelled reports whether the token or any ancestor is cancelled.
func (rt *Runtime) IsCancelled(id TokenID) bool {
	return rt.tokens.isCancelled(id)
}

// SetCurrentToken makes id the calling thread's current token and returns
// the previous one. Tasks spawned afterwards inherit it.
func (rt *Runtime) SetCurrentToken(p *obj.Proc, id TokenID) TokenID {
	if p == nil {
		return RootToken
	}
	prev := TokenID(p.CurrentToken)
	p.CurrentToken = uint64(id)
	return prev
}

// BindTaskToken associates a task with a token. Associations are
// refcounted and fully released at task completion.
func (rt *Runtime) BindTaskToken(t *Task, id TokenID) {
	rt.tokens.registerTask(t, id)
}

// UnbindTaskToken drops one reference to the task's token association.
func (rt *Runtime) UnbindTaskToken(t *Task) {
	if t == nil {
		return
	}
	rt.tokens.unregisterTask(t.id)
}

// CancelTask requests cooperative cancellation of a task: CANCEL_PENDING is
// set, the blocked primitive (sleep, io, thread, process) is signalled so a
// blocked thread wakes promptly, and await waiters of the task are woken.
func (rt *Runtime) CancelTask(t *Task, args ...obj.Value) {
	if t == nil || t.Done() {
		return
	}
	t.markCancelPending(args)
	if rt.tracer.Enabled() {
		rt.tracer.Emit(&trace.Event{
			Time: time.Now(), Kind: trace.KindCancel,
			Task: uint64(t.id), Worker: -1,
		})
	}

	kind, blocker := t.waitState()
	switch kind {
	case WaitSleep:
		rt.sleep.cancelTask(t.id)
		t.ClearWait()
	case WaitIO, WaitThread, WaitProcess:
		if blocker != nil {
			blocker.Interrupt()
		}
		t.ClearWait()
	}
	t.resetPending()
	rt.wakeTask(t)

	t.mu.Lock()
	waiters := append([]*Task(nil), t.waiters...)
	t.mu.Unlock()
	for _, w := range waiters {
		w.resetPending()
		rt.wakeTask(w)
	}
}

// CancelToken cancels a token: every task registered under it gets a
// pending cancel. Descendant tokens observe cancellation through the
// IsCancelled ancestor walk.
func (rt *Runtime) CancelToken(id TokenID, args ...obj.Value) {
	for _, t := range rt.tokens.cancel(id) {
		rt.CancelTask(t, args...)
	}
}
