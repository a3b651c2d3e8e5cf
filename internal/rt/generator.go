package rt

import (
	"vesper/internal/obj"
)

// genMinPayload is the smallest payload a generator body may be allocated
// with: the body needs at least one slot for its own suspended locals.
const genMinPayload = 1

// Generator is a task specialization supporting send/throw/close re-entry
// with value exchange. While suspended the generator owns its exception
// context; while running that context is the ambient one on the Proc.
type Generator struct {
	Task

	pendingSend  obj.Value
	pendingThrow *obj.Exception
	closed       bool
	started      bool
}

// NewGenerator allocates a generator. The payload size is validated and the
// protocol slots are pre-initialized: pending send is the none value, no
// pending throw, not closed, saved handler depth 1.
func (rt *Runtime) NewGenerator(poll PollFunc, payload int) (*Generator, *obj.Exception) {
	if poll == nil {
		return nil, obj.NewTypeError("generator requires a poll function")
	}
	if payload < genMinPayload {
		return nil, obj.NewValueError("generator payload too small: %d < %d", payload, genMinPayload)
	}
	g := &Generator{pendingSend: obj.Nothing()}
	g.kind = KindGenerator
	g.poll = poll
	g.slots = obj.NewSlots(payload)
	g.rt = rt
	g.exc = obj.NewExcState(1)
	rt.mu.Lock()
	g.id = rt.nextID
	rt.nextID++
	rt.tasks[g.id] = &g.Task
	rt.mu.Unlock()
	return g, nil
}

// Closed reports whether the generator reached its terminal closed state.
// All protocol operations on a closed generator short-circuit without
// touching the body.
func (g *Generator) Closed() bool {
	return g == nil || g.closed
}

// markClosed moves the generator to the closed state: the protocol slots
// and payload are released eagerly and the task table entry dropped, so
// close semantics never wait on garbage collection.
func (g *Generator) markClosed() {
	if g == nil || g.closed {
		return
	}
	g.closed = true
	g.rt.heap.Release(g.pendingSend)
	g.pendingSend = obj.Nothing()
	g.pendingThrow = nil

	g.mu.Lock()
	slots := g.slots
	g.slots = nil
	g.mu.Unlock()
	for _, s := range slots {
		g.rt.heap.Release(s)
	}
	g.exc = nil

	g.rt.mu.Lock()
	delete(g.rt.tasks, g.id)
	g.rt.mu.Unlock()
}

func (g *Generator) setSend(v obj.Value) {
	g.rt.heap.Release(g.pendingSend)
	g.pendingSend = g.rt.heap.Retain(v)
}

func (g *Generator) setThrow(e *obj.Exception) {
	g.pendingThrow = e
}

// TakeSend consumes the pending send value. Generator bodies call this at
// each resumption; ownership of the value transfers to the body.
func (g *Generator) TakeSend() obj.Value {
	if g == nil {
		return obj.Nothing()
	}
	v := g.pendingSend
	g.pendingSend = obj.Nothing()
	return v
}

// TakeThrow consumes the pending throw. A body that does not catch it must
// re-raise it through the Proc.
func (g *Generator) TakeThrow() *obj.Exception {
	if g == nil {
		return nil
	}
	e := g.pendingThrow
	g.pendingThrow = nil
	return e
}

// resume runs one re-entry of the generator body with the full context
// swap: detach the caller's handler stack, push the caller's innermost
// exception as the fallback context, install the generator's saved stack,
// poll, capture any raised exception, save the mutated stack back, restore
// the caller. A raised exception closes the generator.
func (g *Generator) resume(p *obj.Proc) (obj.Value, PollStatus, *obj.Exception) {
	rt := g.rt

	// The run guard is already held when resuming from inside a poll
	// (async-generator op futures); only take it at the outermost entry.
	locked := false
	if p.CurrentTask == 0 {
		rt.runGuard.Lock()
		locked = true
	}

	saved := p.SwapExc(g.exc)
	p.PushFallback(p.Innermost())
	savedTask := p.CurrentTask
	savedToken := p.CurrentToken
	p.CurrentTask = uint64(g.id)
	p.CurrentToken = uint64(rt.tokens.tokenOf(g.id))
	g.setFlag(FlagRunning | FlagStarted)
	g.started = true

	v, st := g.poll(p, &g.Task)

	g.clearFlag(FlagRunning)
	exc := p.TakePending()
	g.exc = p.SwapExc(saved)
	p.PopFallback()
	p.CurrentTask = savedTask
	p.CurrentToken = savedToken

	if locked {
		rt.runGuard.Unlock()
	}

	if exc != nil {
		g.markClosed()
		return obj.Value{}, StatusDone, exc
	}
	return v, st, nil
}

// Send resumes the generator with a value. On a closed generator it returns
// the (none, done) sentinel without executing the body.
func (g *Generator) Send(p *obj.Proc, v obj.Value) (obj.Value, bool, *obj.Exception) {
	if g == nil {
		return obj.Value{}, false, obj.NewTypeError("send() requires a generator")
	}
	if g.closed {
		return obj.Nothing(), true, nil
	}
	g.setSend(v)
	out, st, exc := g.resume(p)
	if exc != nil {
		return obj.Value{}, false, exc
	}
	if st == StatusDone {
		g.markClosed()
		return out, true, nil
	}
	return out, false, nil
}

// Throw raises an exception inside the generator. On a never-started
// generator the body is never entered: the generator closes and the
// exception comes straight back to the caller.
func (g *Generator) Throw(p *obj.Proc, e *obj.Exception) (obj.Value, bool, *obj.Exception) {
	if g == nil {
		return obj.Value{}, false, obj.NewTypeError("throw() requires a generator")
	}
	if e == nil {
		return obj.Value{}, false, obj.NewTypeError("throw() requires an exception")
	}
	if g.closed {
		return obj.Nothing(), true, nil
	}
	if !g.started {
		g.markClosed()
		return obj.Value{}, false, e
	}
	g.setThrow(e)
	out, st, exc := g.resume(p)
	if exc != nil {
		return obj.Value{}, false, exc
	}
	if st == StatusDone {
		g.markClosed()
		return out, true, nil
	}
	return out, false, nil
}

// Close shuts the generator down by throwing GeneratorExit into it.
// GeneratorExit swallowed or a normal finish is success. A generator that
// yields again instead of finishing raises RuntimeError and is left open,
// so a later close can retry its cleanup.
func (g *Generator) Close(p *obj.Proc) *obj.Exception {
	if g == nil || g.closed {
		return nil
	}
	if !g.started {
		g.markClosed()
		return nil
	}
	g.setThrow(obj.NewGeneratorExit())
	_, st, exc := g.resume(p)
	if exc != nil {
		// resume already closed it
		if exc.Is(obj.ExcGeneratorExit) {
			return nil
		}
		return exc
	}
	if st == StatusDone {
		g.markClosed()
		return nil
	}
	return obj.NewRuntimeError("generator ignored GeneratorExit")
}
