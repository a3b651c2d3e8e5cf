package obj

// Proc is the per-OS-thread execution context. Each scheduler worker and
// each block_on caller owns exactly one. The ambient exception context and
// the pending-exception channel live here; drivers swap them around every
// poll call so that a task resumed on a different worker still observes the
// state it suspended with.
type Proc struct {
	exc      *ExcState
	fallback []*Exception
	pending  *Exception

	// CurrentTask is the id of the task being polled, 0 when idle.
	CurrentTask uint64
	// CurrentToken is the cancel token inherited by tasks spawned from
	// this thread.
	CurrentToken uint64
}

// NewProc returns a fresh execution context with an empty ambient
// exception state and the root cancel token current.
func NewProc() *Proc {
	return &Proc{exc: NewExcState(0), CurrentToken: 1}
}

// Exc returns the ambient exception context.
func (p *Proc) Exc() *ExcState {
	if p == nil {
		return nil
	}
	return p.exc
}

// SwapExc installs st as the ambient exception context and returns the
// previous one. This is the context-switch half of every poll call.
func (p *Proc) SwapExc(st *ExcState) *ExcState {
	if p == nil {
		return nil
	}
	prev := p.exc
	p.exc = st
	return prev
}

// Throw records exc on the pending side channel. A later Throw overwrites
// an earlier one; callers drain the channel after every poll, so stacking
// never occurs in practice.
func (p *Proc) Throw(exc *Exception) {
	if p == nil || exc == nil {
		return
	}
	p.pending = exc
}

// HasPending reports whether an exception is waiting on the side channel.
// This is the out-of-band query of the poll ABI: poll return values alone
// cannot distinguish a legitimate none result from a raised exception.
func (p *Proc) HasPending() bool {
	return p != nil && p.pending != nil
}

// TakePending drains and returns the pending exception, or nil.
func (p *Proc) TakePending() *Exception {
	if p == nil {
		return nil
	}
	exc := p.pending
	p.pending = nil
	return exc
}

// PushFallback records the caller's innermost in-flight exception before a
// generator body runs, so the body observes it as the current exception.
func (p *Proc) PushFallback(exc *Exception) {
	if p == nil {
		return
	}
	p.fallback = append(p.fallback, exc)
}

// PopFallback removes the most recent fallback context.
func (p *Proc) PopFallback() {
	if p == nil || len(p.fallback) == 0 {
		return
	}
	p.fallback = p.fallback[:len(p.fallback)-1]
}

// Innermost returns the exception currently being handled, or nil.
func (p *Proc) Innermost() *Exception {
	if p == nil || len(p.fallback) == 0 {
		return nil
	}
	return p.fallback[len(p.fallback)-1]
}

// NewSlots returns n payload slots zero-filled to the none value, the
// allocator contract for fresh task payloads.
func NewSlots(n int) []Value {
	if n <= 0 {
		return nil
	}
	slots := make([]Value, n)
	for i := range slots {
		slots[i] = Nothing()
	}
	return slots
}
