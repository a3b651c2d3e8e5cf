package rt

import (
	"testing"
	"time"

	"vesper/internal/obj"
)

// sleepOnce arms one timer for delay and completes after it fires.
func sleepOnce(rtm *Runtime, delay time.Duration) PollFunc {
	return func(p *obj.Proc, t *Task) (obj.Value, PollStatus) {
		if t.State() == 0 {
			t.SetState(1)
			rtm.RegisterSleep(t, delay)
			return obj.Nothing(), StatusPending
		}
		if rtm.SleepRegistered(t) {
			return obj.Nothing(), StatusPending
		}
		return obj.MakeBool(true), StatusDone
	}
}

func TestSleepWakesAfterDeadline(t *testing.T) {
	rtm := newTestRuntime(t, 1)
	p := rtm.NewProc()

	const delay = 50 * time.Millisecond
	task := rtm.NewFuture(sleepOnce(rtm, delay), 1)
	start := time.Now()
	rtm.Spawn(p, task)
	waitDone(t, task, 10*time.Second)

	// Deadlines are millisecond-granular, so allow truncation slop.
	if elapsed := time.Since(start); elapsed < delay-5*time.Millisecond {
		t.Fatalf("woke after %v, well before the %v deadline", elapsed, delay)
	}
	if v, _, _ := task.Result(); !v.Bool {
		t.Fatalf("sleeper did not complete normally")
	}
}

func TestSleepZeroDelayWakesImmediately(t *testing.T) {
	rtm := newTestRuntime(t, 1)
	p := rtm.NewProc()

	task := rtm.NewFuture(sleepOnce(rtm, 0), 1)
	rtm.Spawn(p, task)
	waitDone(t, task, 5*time.Second)
}

func TestSleepReregistrationSupersedes(t *testing.T) {
	rtm := newTestRuntime(t, 0)

	task := rtm.NewFuture(yieldNTimes(1), 1)
	rtm.sleep.register(task, time.Hour)
	rtm.sleep.register(task, 10*time.Millisecond)

	// Only the newer registration may fire; the stale heap entry is
	// discarded when it surfaces.
	waitDone(t, task, 5*time.Second)
}

func TestCancelSleepPreventsWakeup(t *testing.T) {
	rtm := newTestRuntime(t, 0)

	task := rtm.NewFuture(yieldNTimes(1), 1)
	rtm.RegisterSleep(task, 20*time.Millisecond)
	if !rtm.SleepRegistered(task) {
		t.Fatalf("registration missing")
	}
	rtm.CancelSleep(task)
	if rtm.SleepRegistered(task) {
		t.Fatalf("registration survived cancel")
	}
	time.Sleep(60 * time.Millisecond)
	if task.Done() {
		t.Fatalf("cancelled sleep still woke the task")
	}
}

func TestCancelTaskWakesSleeperEarly(t *testing.T) {
	rtm := newTestRuntime(t, 1)
	p := rtm.NewProc()

	task := rtm.NewFuture(sleepOnce(rtm, time.Hour), 1)
	rtm.Spawn(p, task)

	// Wait until the timer is armed before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for !rtm.SleepRegistered(task) {
		if time.Now().After(deadline) {
			t.Fatalf("sleep registration never appeared")
		}
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	rtm.CancelTask(task)
	waitDone(t, task, 10*time.Second)
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancel did not short-circuit the hour-long sleep")
	}
	if _, exc, _ := task.Result(); !exc.Is(obj.ExcCancelled) {
		t.Fatalf("exc = %v, want CancelledError", exc)
	}
}

func TestBlockingSleepPath(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	const delay = 30 * time.Millisecond
	task := rtm.NewFuture(func(p *obj.Proc, t *Task) (obj.Value, PollStatus) {
		if t.State() == 0 {
			t.SetState(1)
			rtm.RegisterBlockingSleep(t, delay)
			return obj.Nothing(), StatusPending
		}
		return obj.MakeBool(true), StatusDone
	}, 1)

	start := time.Now()
	v, exc := rtm.BlockOn(p, task)
	if exc != nil {
		t.Fatalf("BlockOn: %v", exc)
	}
	if !v.Bool {
		t.Fatalf("unexpected result %v", v)
	}
	// The queue tracks deadlines in milliseconds, so allow truncation slop.
	if elapsed := time.Since(start); elapsed < delay-5*time.Millisecond {
		t.Fatalf("block_on returned after %v, well before the %v deadline", elapsed, delay)
	}
}

func TestSleepQueueArmedCount(t *testing.T) {
	rtm := newTestRuntime(t, 0)

	a := rtm.NewFuture(yieldNTimes(1), 1)
	b := rtm.NewFuture(yieldNTimes(1), 1)
	rtm.RegisterSleep(a, time.Hour)
	rtm.RegisterSleep(b, time.Hour)
	if got := rtm.sleep.armed(); got != 2 {
		t.Fatalf("armed = %d, want 2", got)
	}
	rtm.CancelSleep(a)
	if got := rtm.sleep.armed(); got != 1 {
		t.Fatalf("armed = %d after cancel, want 1", got)
	}
}
