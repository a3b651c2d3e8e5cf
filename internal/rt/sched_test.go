package rt

import (
	"testing"
	"time"

	"vesper/internal/obj"
)

func TestSchedulerCompletesLargeBatch(t *testing.T) {
	rtm := newTestRuntime(t, 8)
	p := rtm.NewProc()

	const n = 2000
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = rtm.NewFuture(yieldNTimes(5), 1)
		rtm.Spawn(p, tasks[i])
	}
	for _, task := range tasks {
		waitDone(t, task, 30*time.Second)
	}
}

func TestSchedulerSingleWorker(t *testing.T) {
	rtm := newTestRuntime(t, 1)
	p := rtm.NewProc()

	const n = 100
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = rtm.NewFuture(yieldNTimes(3), 1)
		rtm.Spawn(p, tasks[i])
	}
	for _, task := range tasks {
		waitDone(t, task, 10*time.Second)
	}
}

func TestEnqueueDedupsQueuedTask(t *testing.T) {
	rtm := newTestRuntime(t, 0)

	task := rtm.NewFuture(yieldNTimes(1), 1)
	task.queued.Store(true) // simulate already enqueued
	rtm.sched.enqueue(task, true)
	rtm.sched.enqueue(task, true)

	rtm.sched.injMu.Lock()
	n := len(rtm.sched.inj)
	rtm.sched.injMu.Unlock()
	if n != 0 {
		t.Fatalf("queued task was re-added to the injector %d times", n)
	}
}

func TestEnqueueCompletedTaskIgnored(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(yieldNTimes(0), 1)
	if _, exc := rtm.BlockOn(p, task); exc != nil {
		t.Fatalf("BlockOn: %v", exc)
	}
	rtm.Enqueue(p, task)
	rtm.sched.injMu.Lock()
	n := len(rtm.sched.inj)
	rtm.sched.injMu.Unlock()
	if n != 0 {
		t.Fatalf("completed task entered the injector")
	}
}

func TestRunGuardSerializesPolls(t *testing.T) {
	rtm := newTestRuntime(t, 4)
	p := rtm.NewProc()

	// All tasks mutate the same counter without their own synchronization;
	// the run guard must make that safe.
	var shared int
	const n = 200
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = rtm.NewFuture(func(px *obj.Proc, task *Task) (obj.Value, PollStatus) {
			if task.State() < 10 {
				shared++
				task.SetState(task.State() + 1)
				return obj.Nothing(), StatusYield
			}
			return obj.Nothing(), StatusDone
		}, 1)
		rtm.Spawn(p, tasks[i])
	}
	for _, task := range tasks {
		waitDone(t, task, 30*time.Second)
	}
	if shared != n*10 {
		t.Fatalf("shared counter = %d, want %d; polls overlapped", shared, n*10)
	}
}

func TestStatsSnapshotsLiveStateWords(t *testing.T) {
	rtm := newTestRuntime(t, 2)
	p := rtm.NewProc()

	// Workers rewrite every task's state word on each poll while the
	// snapshot loop reads them; the rows must always hold a value the poll
	// function actually stored.
	const n = 64
	const steps = 200
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = rtm.NewFuture(yieldNTimes(steps), 1)
		rtm.Spawn(p, tasks[i])
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		st := rtm.Stats()
		for _, row := range st.Tasks {
			if row.State > steps {
				t.Fatalf("task %d snapshot state = %d, beyond %d", row.ID, row.State, steps)
			}
		}
		if len(st.Tasks) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tasks never drained: %d left", len(st.Tasks))
		}
	}
	for _, task := range tasks {
		if v, exc, ok := task.Result(); !ok || exc != nil || v.Int != steps {
			t.Fatalf("task %d = (%v, %v, %v), want (%d, nil, true)", task.ID(), v, exc, ok, steps)
		}
	}
}

func TestSchedulerCountersAdvance(t *testing.T) {
	rtm := newTestRuntime(t, 2)
	p := rtm.NewProc()

	for i := 0; i < 50; i++ {
		rtm.Spawn(p, rtm.NewFuture(yieldNTimes(2), 1))
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		st := rtm.Stats()
		if len(st.Tasks) == 0 {
			if st.Counters.Events == 0 {
				t.Fatalf("no scheduler events recorded")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tasks never drained: %d left", len(st.Tasks))
		}
		time.Sleep(time.Millisecond)
	}
}
