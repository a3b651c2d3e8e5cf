package rt

import (
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"vesper/internal/obj"
	"vesper/internal/trace"
)

// scheduler is the work-stealing pool: one local deque per worker, a shared
// injector, and stealer access into every sibling's deque. With zero
// workers, enqueue executes tasks synchronously inline on the calling
// thread.
type scheduler struct {
	rt      *Runtime
	workers []*worker

	injMu sync.Mutex
	inj   []*Task

	inline     atomic.Int32
	inlineProc *obj.Proc

	wakeCh chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	// trace counters, reported on shutdown when tracing is on
	cLocal  atomic.Uint64
	cInject atomic.Uint64
	cSteal  atomic.Uint64
	cEvents atomic.Uint64
	cHash   atomic.Uint64
}

type worker struct {
	id   int
	proc *obj.Proc
	rng  *rand.Rand

	mu    sync.Mutex
	deque []*Task
}

func newScheduler(rt *Runtime, workers int) *scheduler {
	s := &scheduler{
		rt:         rt,
		inlineProc: obj.NewProc(),
		wakeCh:     make(chan struct{}, workers+1),
		stop:       make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		w := &worker{
			id:   i,
			proc: obj.NewProc(),
			rng:  rand.New(rand.NewSource(int64(i + 1))), //nolint:gosec // steal-victim selection, not crypto
		}
		s.workers = append(s.workers, w)
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.runWorker(w)
	}
	return s
}

func (s *scheduler) close() {
	close(s.stop)
	s.wg.Wait()
	s.reportTrace()
}

func (s *scheduler) reportTrace() {
	tr := s.rt.tracer
	if !tr.Enabled() {
		return
	}
	tr.Emit(&trace.Event{
		Time: time.Now(), Kind: trace.KindSteal, Worker: -1,
		Detail: traceSummary(s.cLocal.Load(), s.cInject.Load(), s.cSteal.Load(),
			s.cEvents.Load(), s.cHash.Load()),
	})
	_ = tr.Flush() //nolint:errcheck // best-effort diagnostics
}

// enqueue hands a task to the pool. fromPoll marks calls made while the
// caller is inside a poll; inline execution then defers to the loop that
// is already driving, which avoids re-entering the run guard.
func (s *scheduler) enqueue(t *Task, fromPoll bool) {
	if t == nil || t.Done() {
		return
	}
	if !t.queued.CompareAndSwap(false, true) {
		return
	}
	s.injMu.Lock()
	s.inj = append(s.inj, t)
	s.injMu.Unlock()
	s.noteEvent(uint64(t.id))

	if len(s.workers) > 0 {
		select {
		case s.wakeCh <- struct{}{}:
		default:
		}
		return
	}
	if !fromPoll {
		s.drainInline()
	}
}

// drainInline runs queued tasks on the calling thread until the injector is
// empty. Pending tasks without an external wait are re-queued and polled
// again, so a cooperatively yielding task runs to completion here.
func (s *scheduler) drainInline() {
	for {
		if s.inline.Add(1) != 1 {
			s.inline.Add(-1)
			return
		}
		for {
			t := s.popInjector()
			if t == nil {
				break
			}
			s.cInject.Add(1)
			if s.rt.runTask(s.inlineProc, t, -1) == outcomePending {
				s.enqueue(t, true)
			}
		}
		s.inline.Add(-1)
		s.injMu.Lock()
		empty := len(s.inj) == 0
		s.injMu.Unlock()
		if empty {
			return
		}
		// Re-check: a task arrived between the final pop and the
		// counter release.
	}
}

func (s *scheduler) popInjector() *Task {
	s.injMu.Lock()
	defer s.injMu.Unlock()
	if len(s.inj) == 0 {
		return nil
	}
	t := s.inj[0]
	copy(s.inj, s.inj[1:])
	s.inj = s.inj[:len(s.inj)-1]
	t.queued.Store(false)
	return t
}

// grabBatch moves up to half of the injector into the worker's deque and
// returns the first task.
func (s *scheduler) grabBatch(w *worker) *Task {
	s.injMu.Lock()
	n := len(s.inj)
	if n == 0 {
		s.injMu.Unlock()
		return nil
	}
	take := n/2 + 1
	batch := make([]*Task, take)
	copy(batch, s.inj[:take])
	copy(s.inj, s.inj[take:])
	s.inj = s.inj[:n-take]
	s.injMu.Unlock()

	s.cInject.Add(uint64(take))
	first := batch[0]
	first.queued.Store(false)
	if len(batch) > 1 {
		w.mu.Lock()
		w.deque = append(w.deque, batch[1:]...)
		w.mu.Unlock()
	}
	return first
}

// stealFrom takes half of a sibling's deque from the front.
func (s *scheduler) stealFrom(victim, thief *worker) *Task {
	victim.mu.Lock()
	n := len(victim.deque)
	if n == 0 {
		victim.mu.Unlock()
		return nil
	}
	take := n/2 + 1
	batch := make([]*Task, take)
	copy(batch, victim.deque[:take])
	copy(victim.deque, victim.deque[take:])
	victim.deque = victim.deque[:n-take]
	victim.mu.Unlock()

	s.cSteal.Add(uint64(take))
	if s.rt.tracer.Level() >= trace.LevelVerbose {
		s.rt.tracer.Emit(&trace.Event{
			Time: time.Now(), Kind: trace.KindSteal, Worker: thief.id,
			Detail: "from=" + strconv.Itoa(victim.id) + " n=" + strconv.Itoa(take),
		})
	}
	first := batch[0]
	first.queued.Store(false)
	if len(batch) > 1 {
		thief.mu.Lock()
		thief.deque = append(thief.deque, batch[1:]...)
		thief.mu.Unlock()
	}
	return first
}

func (w *worker) popLocal() *Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.deque)
	if n == 0 {
		return nil
	}
	t := w.deque[n-1]
	w.deque = w.deque[:n-1]
	t.queued.Store(false)
	return t
}

// pushLocal requeues a task onto the worker's own deque. A task already
// sitting in some queue stays where it is.
func (w *worker) pushLocal(t *Task) {
	if !t.queued.CompareAndSwap(false, true) {
		return
	}
	w.mu.Lock()
	w.deque = append(w.deque, t)
	w.mu.Unlock()
}

// runWorker is the worker loop: pop local, steal a batch from the injector,
// steal from a random sibling, then yield the OS thread.
func (s *scheduler) runWorker(w *worker) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		t := w.popLocal()
		if t != nil {
			s.cLocal.Add(1)
		}
		if t == nil {
			t = s.grabBatch(w)
		}
		if t == nil && len(s.workers) > 1 {
			victim := s.workers[w.rng.Intn(len(s.workers))]
			if victim != w {
				t = s.stealFrom(victim, w)
			}
		}
		if t == nil {
			runtime.Gosched()
			select {
			case <-s.stop:
				return
			case <-s.wakeCh:
			case <-time.After(250 * time.Microsecond):
			}
			continue
		}

		if s.rt.runTask(w.proc, t, w.id) == outcomePending {
			// Runnable but not finished: back onto the local deque.
			w.pushLocal(t)
		}
	}
}

func (s *scheduler) noteEvent(id uint64) {
	s.cEvents.Add(1)
	// FNV-style mixing so seeded runs can compare schedules cheaply.
	for {
		old := s.cHash.Load()
		mixed := (old ^ id) * 1099511628211
		if s.cHash.CompareAndSwap(old, mixed) {
			return
		}
	}
}

func traceSummary(local, inject, steal, events, hash uint64) string {
	return "local=" + strconv.FormatUint(local, 10) +
		" inject=" + strconv.FormatUint(inject, 10) +
		" steal=" + strconv.FormatUint(steal, 10) +
		" events=" + strconv.FormatUint(events, 10) +
		" hash=" + strconv.FormatUint(hash, 10)
}
