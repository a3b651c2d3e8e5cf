package rt

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"vesper/internal/obj"
)

func newTestRuntime(t *testing.T, workers int) *Runtime {
	t.Helper()
	rtm := New(Config{Workers: workers})
	t.Cleanup(rtm.Close)
	return rtm
}

func waitDone(t *testing.T, task *Task, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !task.Done() {
		if time.Now().After(deadline) {
			t.Fatalf("task %d did not complete within %v", task.ID(), timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// yieldNTimes suspends n times and then completes with its poll count.
func yieldNTimes(n uint64) PollFunc {
	return func(p *obj.Proc, t *Task) (obj.Value, PollStatus) {
		c := t.State()
		if c >= n {
			return obj.MakeInt(int64(c)), StatusDone
		}
		t.SetState(c + 1)
		return obj.Nothing(), StatusYield
	}
}

func TestBlockOnImmediateCompletion(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(func(p *obj.Proc, t *Task) (obj.Value, PollStatus) {
		return obj.MakeInt(99), StatusDone
	}, 1)
	v, exc := rtm.BlockOn(p, task)
	if exc != nil {
		t.Fatalf("BlockOn: %v", exc)
	}
	if v.Int != 99 {
		t.Fatalf("result = %v, want 99", v)
	}
	if rtm.Task(task.ID()) != nil {
		t.Fatalf("completed task still in the task table")
	}
}

func TestBlockOnDrivesYieldingTask(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(yieldNTimes(50), 1)
	v, exc := rtm.BlockOn(p, task)
	if exc != nil {
		t.Fatalf("BlockOn: %v", exc)
	}
	if v.Int != 50 {
		t.Fatalf("result = %v, want 50", v)
	}
}

func TestBlockOnSurfacesException(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(func(p *obj.Proc, t *Task) (obj.Value, PollStatus) {
		p.Throw(obj.NewRuntimeError("kaput"))
		return obj.Value{}, StatusDone
	}, 1)
	_, exc := rtm.BlockOn(p, task)
	if !exc.Is(obj.ExcRuntimeError) {
		t.Fatalf("exc = %v, want RuntimeError", exc)
	}
	if p.HasPending() {
		t.Fatalf("pending exception leaked onto the caller's proc")
	}
}

func TestSpawnInlineRunsSynchronously(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(yieldNTimes(3), 1)
	rtm.Spawn(p, task)
	// Zero workers: enqueue from outside a poll drains on this thread.
	if !task.Done() {
		t.Fatalf("inline spawn did not run the task to completion")
	}
}

func TestSpawnedChildRunsAfterParentPoll(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	child := rtm.NewFuture(yieldNTimes(2), 1)
	parent := rtm.NewFuture(func(p *obj.Proc, t *Task) (obj.Value, PollStatus) {
		switch t.State() {
		case 0:
			// Spawning from inside a poll must not re-enter the driver.
			rtm.Spawn(p, child)
			t.SetState(1)
			return obj.Nothing(), StatusYield
		default:
			if !child.Done() {
				return obj.Nothing(), StatusYield
			}
			return obj.MakeBool(true), StatusDone
		}
	}, 1)

	v, exc := rtm.BlockOn(p, parent)
	if exc != nil {
		t.Fatalf("BlockOn: %v", exc)
	}
	if !v.Bool {
		t.Fatalf("parent did not observe child completion")
	}
}

func TestBlockOnSharesTasksWithPool(t *testing.T) {
	rtm := newTestRuntime(t, 4)
	p := rtm.NewProc()

	// Every task has two drivers: the pool and the block_on caller. Each
	// must complete exactly once with its final value intact.
	const n = 400
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = rtm.NewFuture(yieldNTimes(20), 1)
		rtm.Spawn(p, tasks[i])
	}
	for _, task := range tasks {
		v, exc := rtm.BlockOn(p, task)
		if exc != nil {
			t.Fatalf("task %d: %v", task.ID(), exc)
		}
		if v.Int != 20 {
			t.Fatalf("task %d result = %v, want 20", task.ID(), v)
		}
	}
	for _, task := range tasks {
		if rtm.Task(task.ID()) != nil {
			t.Fatalf("task %d torn down twice or not at all", task.ID())
		}
	}
}

func TestPoolRunsManyTasks(t *testing.T) {
	rtm := newTestRuntime(t, 4)
	p := rtm.NewProc()

	const n = 500
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = rtm.NewFuture(yieldNTimes(20), 1)
		rtm.Spawn(p, tasks[i])
	}
	for _, task := range tasks {
		waitDone(t, task, 10*time.Second)
		v, exc, ok := task.Result()
		if !ok || exc != nil {
			t.Fatalf("task %d: ok=%v exc=%v", task.ID(), ok, exc)
		}
		if v.Int != 20 {
			t.Fatalf("task %d result = %v, want 20", task.ID(), v)
		}
	}
}

func TestAwaitWakesWaiter(t *testing.T) {
	rtm := newTestRuntime(t, 2)
	p := rtm.NewProc()

	target := rtm.NewFuture(yieldNTimes(10), 1)
	waiter := rtm.NewFuture(func(p *obj.Proc, t *Task) (obj.Value, PollStatus) {
		if t.State() == 0 {
			t.SetState(1)
			rtm.RegisterAwait(target, t)
			return obj.Nothing(), StatusPending
		}
		v, exc, ok := target.Result()
		if !ok {
			return obj.Nothing(), StatusPending
		}
		if exc != nil {
			p.Throw(exc)
			return obj.Value{}, StatusDone
		}
		return v, StatusDone
	}, 1)

	rtm.Spawn(p, waiter)
	rtm.Spawn(p, target)
	v, exc := rtm.BlockOn(p, waiter)
	if exc != nil {
		t.Fatalf("BlockOn: %v", exc)
	}
	if v.Int != 10 {
		t.Fatalf("awaited result = %v, want 10", v)
	}
}

func TestTaskPayloadSlots(t *testing.T) {
	rtm := newTestRuntime(t, 0)

	task := rtm.NewFuture(yieldNTimes(0), 3)
	if task.Slots() != 3 {
		t.Fatalf("Slots = %d, want 3", task.Slots())
	}
	for i := 0; i < 3; i++ {
		if !task.Slot(i).IsNothing() {
			t.Fatalf("slot %d not zero-filled", i)
		}
	}

	h := rtm.Heap().Alloc(nil)
	task.SetSlot(0, obj.MakeHandle(h))
	if rtm.Heap().Live() != 1 {
		t.Fatalf("heap value not retained by slot")
	}

	p := rtm.NewProc()
	if _, exc := rtm.BlockOn(p, task); exc != nil {
		t.Fatalf("BlockOn: %v", exc)
	}
	rtm.Heap().Release(obj.MakeHandle(h))
	if rtm.Heap().Live() != 0 {
		t.Fatalf("payload reference leaked after completion: %d live", rtm.Heap().Live())
	}
}

func TestCancelTaskConvertsToCancelled(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(yieldNTimes(1 << 30), 1)
	rtm.CancelTask(task, obj.MakeString("stop it"))

	_, exc := rtm.BlockOn(p, task)
	if !exc.Is(obj.ExcCancelled) {
		t.Fatalf("exc = %v, want CancelledError", exc)
	}
	if len(exc.Args) != 1 || exc.Args[0].Str != "stop it" {
		t.Fatalf("cancel args lost: %+v", exc.Args)
	}
}

func TestCancelArgsFirstRequestWins(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(yieldNTimes(1<<30), 1)
	rtm.CancelTask(task, obj.MakeString("first"))
	rtm.CancelTask(task, obj.MakeString("second"))

	_, exc := rtm.BlockOn(p, task)
	if !exc.Is(obj.ExcCancelled) {
		t.Fatalf("exc = %v, want CancelledError", exc)
	}
	if len(exc.Args) != 1 || exc.Args[0].Str != "first" {
		t.Fatalf("args = %+v, want the first request's", exc.Args)
	}
}

func TestConcurrentCancelsDeliverOneMessage(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(yieldNTimes(1<<30), 1)
	markers := make(map[string]bool)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		msg := fmt.Sprintf("req-%d", i)
		markers[msg] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rtm.CancelTask(task, obj.MakeString(msg))
		}()
	}
	close(start)
	wg.Wait()

	_, exc := rtm.BlockOn(p, task)
	if !exc.Is(obj.ExcCancelled) {
		t.Fatalf("exc = %v, want CancelledError", exc)
	}
	if len(exc.Args) != 1 {
		t.Fatalf("cancel args = %+v, want exactly one request's", exc.Args)
	}
	if !markers[exc.Args[0].Str] {
		t.Fatalf("cancel arg %q is not any request's message", exc.Args[0].Str)
	}
}

func TestCancelCompletedTaskIsNoop(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(yieldNTimes(0), 1)
	if _, exc := rtm.BlockOn(p, task); exc != nil {
		t.Fatalf("BlockOn: %v", exc)
	}
	rtm.CancelTask(task)
	if _, exc, _ := task.Result(); exc != nil {
		t.Fatalf("cancel after completion changed the result: %v", exc)
	}
}

func TestEventBlockerUnparksTask(t *testing.T) {
	rtm := newTestRuntime(t, 1)
	p := rtm.NewProc()

	evCh := make(chan *Event, 1)
	var ev *Event
	task := rtm.NewFuture(func(p *obj.Proc, t *Task) (obj.Value, PollStatus) {
		if t.State() == 0 {
			t.SetState(1)
			ev = rtm.NewEvent(t, WaitIO)
			evCh <- ev
			return obj.Nothing(), StatusPending
		}
		if ev.IsSet() {
			return obj.MakeBool(true), StatusDone
		}
		return obj.Nothing(), StatusPending
	}, 1)

	rtm.Spawn(p, task)
	fired := <-evCh
	if task.Done() {
		t.Fatalf("task completed before the event fired")
	}
	fired.Set()
	waitDone(t, task, 5*time.Second)
	if v, _, _ := task.Result(); !v.Bool {
		t.Fatalf("task did not observe the event")
	}
}

func TestCancelInterruptsEventWait(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(func(p *obj.Proc, t *Task) (obj.Value, PollStatus) {
		if t.State() == 0 {
			t.SetState(1)
			rtm.NewEvent(t, WaitThread)
			return obj.Nothing(), StatusPending
		}
		return obj.Nothing(), StatusPending
	}, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		rtm.CancelTask(task)
	}()
	start := time.Now()
	_, exc := rtm.BlockOn(p, task)
	if !exc.Is(obj.ExcCancelled) {
		t.Fatalf("exc = %v, want CancelledError", exc)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancellation did not interrupt the blocked driver promptly")
	}
}
