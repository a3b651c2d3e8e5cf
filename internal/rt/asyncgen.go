package rt

import (
	"sync"

	"vesper/internal/obj"
)

// agOp identifies an async-generator protocol operation. The name shows up
// verbatim in re-entrancy error messages.
type agOp uint8

const (
	agAnext agOp = iota
	agAsend
	agAthrow
	agAclose
)

func (op agOp) String() string {
	switch op {
	case agAnext:
		return "anext"
	case agAsend:
		return "asend"
	case agAthrow:
		return "athrow"
	case agAclose:
		return "aclose"
	}
	return "?"
}

// op future state words. A future that suspended mid-resume must keep
// driving the inner generator on re-poll instead of dispatching again.
const (
	agStateDispatch = 0
	agStateDriving  = 1
)

// AsyncGen adapts a generator to the awaitable protocol: each operation
// returns a one-shot future that drives a single send/throw step of the
// inner generator, suspending whenever the step does.
type AsyncGen struct {
	rt  *Runtime
	gen *Generator
	id  uint64

	mu       sync.Mutex
	inflight TaskID
	replay   *obj.Exception
}

// NewAsyncGen wraps a generator. The wrapper registers with the runtime so
// shutdown can run its cleanup even when the embedder forgets to aclose.
func (rt *Runtime) NewAsyncGen(g *Generator) (*AsyncGen, *obj.Exception) {
	if g == nil {
		return nil, obj.NewTypeError("async generator requires a generator")
	}
	ag := &AsyncGen{rt: rt, gen: g}
	ag.id = rt.agens.register(ag)
	return ag, nil
}

// Gen returns the wrapped generator.
func (ag *AsyncGen) Gen() *Generator {
	if ag == nil {
		return nil
	}
	return ag.gen
}

func (ag *AsyncGen) setInflight(id TaskID) {
	ag.mu.Lock()
	ag.inflight = id
	ag.mu.Unlock()
}

func (ag *AsyncGen) clearInflight(id TaskID) {
	ag.mu.Lock()
	if ag.inflight == id {
		ag.inflight = 0
	}
	ag.mu.Unlock()
}

func (ag *AsyncGen) takeReplay() *obj.Exception {
	ag.mu.Lock()
	e := ag.replay
	ag.replay = nil
	ag.mu.Unlock()
	return e
}

func (ag *AsyncGen) setReplay(e *obj.Exception) {
	ag.mu.Lock()
	ag.replay = e
	ag.mu.Unlock()
}

// Anext returns a future resolving to the generator's next yielded value,
// or failing with StopAsyncIteration when it is exhausted.
func (ag *AsyncGen) Anext() *Task {
	return ag.rt.NewFuture(ag.opPoll(agAnext, nil), 1)
}

// Asend returns a future resuming the generator with v.
func (ag *AsyncGen) Asend(v obj.Value) *Task {
	t := ag.rt.NewFuture(ag.opPoll(agAsend, nil), 1)
	t.SetSlot(0, v)
	return t
}

// Athrow returns a future raising e inside the generator.
func (ag *AsyncGen) Athrow(e *obj.Exception) *Task {
	return ag.rt.NewFuture(ag.opPoll(agAthrow, e), 1)
}

// Aclose returns a future shutting the generator down. Swallowed
// GeneratorExit and normal finish both count as success.
func (ag *AsyncGen) Aclose() *Task {
	return ag.rt.NewFuture(ag.opPoll(agAclose, nil), 1)
}

// opPoll builds the poll function shared by all four operations. The future
// owns one step of the inner generator: dispatch on first poll, drive the
// suspended step on later polls, translate the step result into the
// operation's own convention at the end.
func (ag *AsyncGen) opPoll(op agOp, argExc *obj.Exception) PollFunc {
	return func(p *obj.Proc, t *Task) (obj.Value, PollStatus) {
		g := ag.gen

		ag.mu.Lock()
		busy := ag.inflight != 0 && ag.inflight != t.ID()
		ag.mu.Unlock()
		if busy || g.hasFlag(FlagRunning) {
			p.Throw(obj.NewRuntimeError("%s(): asynchronous generator is already running", op))
			return obj.Value{}, StatusDone
		}

		if op == agAnext || op == agAsend {
			if e := ag.takeReplay(); e != nil {
				p.Throw(e)
				return obj.Value{}, StatusDone
			}
		}

		var (
			v   obj.Value
			st  PollStatus
			exc *obj.Exception
		)
		if t.State() == agStateDispatch {
			switch op {
			case agAnext, agAsend:
				if g.Closed() {
					p.Throw(obj.NewStopAsyncIteration())
					return obj.Value{}, StatusDone
				}
				arg := t.Slot(0)
				if op == agAsend && !arg.IsNothing() && !g.started {
					p.Throw(obj.NewTypeError("can't send non-None value to a just-started async generator"))
					return obj.Value{}, StatusDone
				}
				g.setSend(arg)
			case agAthrow:
				if g.Closed() {
					if ag.takeReplay() != nil {
						p.Throw(obj.NewStopAsyncIteration())
						return obj.Value{}, StatusDone
					}
					return obj.Nothing(), StatusDone
				}
				g.setThrow(argExc)
			case agAclose:
				if g.Closed() {
					ag.rt.agens.unregister(ag.id)
					return obj.Nothing(), StatusDone
				}
				if !g.started {
					g.markClosed()
					ag.rt.agens.unregister(ag.id)
					return obj.Nothing(), StatusDone
				}
				g.setThrow(obj.NewGeneratorExit())
			}
		}
		v, st, exc = g.resume(p)

		if st == StatusPending && exc == nil {
			ag.setInflight(t.ID())
			t.SetState(agStateDriving)
			return obj.Value{}, StatusPending
		}
		ag.clearInflight(t.ID())
		t.SetState(agStateDispatch)

		if exc != nil {
			ag.rt.agens.unregister(ag.id)
			if op == agAclose && (exc.Is(obj.ExcGeneratorExit) || exc.Is(obj.ExcStopAsyncIteration)) {
				return obj.Nothing(), StatusDone
			}
			p.Throw(exc)
			return obj.Value{}, StatusDone
		}

		done := st == StatusDone
		switch op {
		case agAclose:
			if done {
				g.markClosed()
				ag.rt.agens.unregister(ag.id)
				return obj.Nothing(), StatusDone
			}
			// Yielded instead of finishing: the cleanup exception, if any,
			// is kept for the next anext/asend to surface.
			ag.rt.heap.Release(v)
			if argExc != nil {
				ag.setReplay(argExc)
			}
			p.Throw(obj.NewRuntimeError("async generator ignored GeneratorExit"))
			return obj.Value{}, StatusDone
		case agAthrow:
			if done {
				g.markClosed()
				ag.rt.agens.unregister(ag.id)
				p.Throw(obj.NewStopAsyncIteration())
				return obj.Value{}, StatusDone
			}
			ag.rt.heap.Release(v)
			return obj.Nothing(), StatusDone
		default:
			if done {
				g.markClosed()
				ag.rt.agens.unregister(ag.id)
				p.Throw(obj.NewStopAsyncIteration())
				return obj.Value{}, StatusDone
			}
			return v, StatusDone
		}
	}
}

// agRegistry tracks live async generators so runtime shutdown can finalize
// the ones the embedder never aclosed.
type agRegistry struct {
	mu   sync.Mutex
	next uint64
	live map[uint64]*AsyncGen
}

func newAGRegistry() *agRegistry {
	return &agRegistry{next: 1, live: make(map[uint64]*AsyncGen)}
}

func (r *agRegistry) register(ag *AsyncGen) uint64 {
	r.mu.Lock()
	id := r.next
	r.next++
	r.live[id] = ag
	r.mu.Unlock()
	return id
}

func (r *agRegistry) unregister(id uint64) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

// shutdownAll drives an aclose future for every still-open async generator.
// Each future gets a bounded number of polls so a generator awaiting
// forever cannot wedge runtime shutdown.
func (r *agRegistry) shutdownAll(rt *Runtime) {
	r.mu.Lock()
	pending := make([]*AsyncGen, 0, len(r.live))
	for _, ag := range r.live {
		pending = append(pending, ag)
	}
	r.live = make(map[uint64]*AsyncGen)
	r.mu.Unlock()

	const maxPolls = 1024
	p := obj.NewProc()
	for _, ag := range pending {
		t := ag.Aclose()
		for i := 0; i < maxPolls && !t.Done(); i++ {
			rt.runTask(p, t, -1)
		}
		// Shutdown discards cleanup failures.
		p.TakePending()
	}
}
