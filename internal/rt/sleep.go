package rt

import (
	"container/heap"
	"sync"
	"time"

	"fortio.org/safecast"
)

// sleepEntry is one timer registration. The generation counter makes
// cancellation O(1) amortized: cancelling just drops the task's generation
// mapping, and stale heap entries are discarded lazily when they surface.
type sleepEntry struct {
	deadlineMs uint64
	task       *Task
	gen        uint64
}

type sleepHeap []*sleepEntry

func (h sleepHeap) Len() int { return len(h) }

func (h sleepHeap) Less(i, j int) bool {
	if h[i].deadlineMs == h[j].deadlineMs {
		return h[i].gen < h[j].gen
	}
	return h[i].deadlineMs < h[j].deadlineMs
}

func (h sleepHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sleepHeap) Push(x any) {
	entry, ok := x.(*sleepEntry)
	if !ok || entry == nil {
		return
	}
	*h = append(*h, entry)
}

func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	if n == 0 {
		return (*sleepEntry)(nil)
	}
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// sleepQueue wakes tasks at a deadline. One dedicated goroutine parks until
// the next deadline and hands elapsed tasks back to the scheduler; tasks
// are never resumed on the timer thread itself.
type sleepQueue struct {
	rt    *Runtime
	start time.Time

	mu       sync.Mutex
	heap     sleepHeap
	gens     map[TaskID]uint64
	blocking map[TaskID]uint64
	nextGen  uint64

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newSleepQueue(rt *Runtime) *sleepQueue {
	q := &sleepQueue{
		rt:       rt,
		start:    time.Now(),
		gens:     make(map[TaskID]uint64),
		blocking: make(map[TaskID]uint64),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *sleepQueue) close() {
	close(q.stop)
	<-q.done
}

func (q *sleepQueue) nowMs() uint64 {
	ms, err := safecast.Conv[uint64](time.Since(q.start).Milliseconds())
	if err != nil {
		return 0
	}
	return ms
}

func (q *sleepQueue) deadlineMs(delay time.Duration) uint64 {
	if delay < 0 {
		delay = 0
	}
	ms, err := safecast.Conv[uint64](delay.Milliseconds())
	if err != nil {
		ms = 0
	}
	return q.nowMs() + ms
}

// register arms a wakeup for the task after delay. A newer registration for
// the same task supersedes any older one.
func (q *sleepQueue) register(t *Task, delay time.Duration) {
	if q == nil || t == nil {
		return
	}
	deadline := q.deadlineMs(delay)
	q.mu.Lock()
	q.nextGen++
	gen := q.nextGen
	q.gens[t.id] = gen
	heap.Push(&q.heap, &sleepEntry{deadlineMs: deadline, task: t, gen: gen})
	q.mu.Unlock()

	t.RegisterWait(WaitSleep, nil)
	q.wake()
}

// cancelTask drops the task's registration. The heap entry stays behind and
// is discarded when it reaches the top.
func (q *sleepQueue) cancelTask(id TaskID) {
	if q == nil {
		return
	}
	q.mu.Lock()
	delete(q.gens, id)
	delete(q.blocking, id)
	q.mu.Unlock()
}

// registered reports whether the task currently has a live registration.
func (q *sleepQueue) registered(id TaskID) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.gens[id]
	return ok
}

// registerBlocking records a deadline for the block_on direct-sleep path.
func (q *sleepQueue) registerBlocking(id TaskID, delay time.Duration) {
	if q == nil {
		return
	}
	deadline := q.deadlineMs(delay)
	q.mu.Lock()
	q.blocking[id] = deadline
	q.mu.Unlock()
}

// blockingDeadline returns the remaining blocking sleep for a task, if any.
func (q *sleepQueue) blockingDeadline(id TaskID) (time.Duration, bool) {
	if q == nil {
		return 0, false
	}
	q.mu.Lock()
	deadline, ok := q.blocking[id]
	q.mu.Unlock()
	if !ok {
		return 0, false
	}
	now := q.nowMs()
	if deadline <= now {
		return 0, true
	}
	remain, err := safecast.Conv[int64](deadline - now)
	if err != nil {
		return 0, false
	}
	return time.Duration(remain) * time.Millisecond, true
}

func (q *sleepQueue) clearBlocking(id TaskID) {
	if q == nil {
		return
	}
	q.mu.Lock()
	delete(q.blocking, id)
	q.mu.Unlock()
}

func (q *sleepQueue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// run is the timer thread: park until the next deadline, pop entries whose
// generation still matches, and hand elapsed tasks to the scheduler.
func (q *sleepQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		now := q.nowMs()
		var due []*Task
		for len(q.heap) > 0 {
			top := q.heap[0]
			if gen, ok := q.gens[top.task.id]; !ok || gen != top.gen {
				heap.Pop(&q.heap) // stale: cancelled or superseded
				continue
			}
			if top.deadlineMs > now {
				break
			}
			heap.Pop(&q.heap)
			delete(q.gens, top.task.id)
			due = append(due, top.task)
		}
		var next uint64
		hasNext := len(q.heap) > 0
		if hasNext {
			next = q.heap[0].deadlineMs
		}
		q.mu.Unlock()

		for _, t := range due {
			t.ClearWait()
			t.resetPending()
			q.rt.wakeTask(t)
		}

		if hasNext {
			delta := int64(next - now)
			if delta < 1 {
				delta = 1
			}
			timer := time.NewTimer(time.Duration(delta) * time.Millisecond)
			select {
			case <-q.stop:
				timer.Stop()
				return
			case <-q.kick:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		select {
		case <-q.stop:
			return
		case <-q.kick:
		}
	}
}
