package obj

import (
	"fmt"
	"sync"
)

// Handle identifies a heap object.
type Handle uint64

// Object is a refcounted heap cell. Fields hold owned references.
type Object struct {
	Refs    int32
	Fields  []Value
	Alive   bool
	AllocID uint64
}

// Heap stores all owned runtime objects visible to the scheduling core.
// Handles are monotonically increasing and never reused within a run.
// All methods are safe for concurrent use; the run guard serializes the
// interpreter itself, but cancellation and teardown may touch the heap
// from other threads.
type Heap struct {
	mu          sync.Mutex
	next        Handle
	nextAllocID uint64
	objs        map[Handle]*Object
}

// NewHeap constructs an empty heap.
func NewHeap() *Heap {
	return &Heap{
		next:        1,
		nextAllocID: 1,
		objs:        make(map[Handle]*Object, 128),
	}
}

// Alloc creates an object owning the given field values with refcount 1.
func (h *Heap) Alloc(fields []Value) Handle {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	handle := h.next
	h.next++
	allocID := h.nextAllocID
	h.nextAllocID++
	h.objs[handle] = &Object{
		Refs:    1,
		Fields:  append([]Value(nil), fields...),
		Alive:   true,
		AllocID: allocID,
	}
	return handle
}

// Get returns the object for a handle, or nil for a dead or unknown handle.
func (h *Heap) Get(handle Handle) *Object {
	if h == nil || handle == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	obj := h.objs[handle]
	if obj == nil || !obj.Alive {
		return nil
	}
	return obj
}

// Retain increments the refcount of a heap value. Non-heap values pass
// through untouched.
func (h *Heap) Retain(v Value) Value {
	if h == nil || !v.IsHeap() {
		return v
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if obj := h.objs[v.H]; obj != nil && obj.Alive {
		obj.Refs++
	}
	return v
}

// Release decrements the refcount of a heap value and frees the object at
// zero, releasing its fields eagerly. Close-driven cleanup depends on this
// running synchronously rather than on collector timing.
func (h *Heap) Release(v Value) {
	if h == nil || !v.IsHeap() {
		return
	}
	h.mu.Lock()
	pending := h.releaseLocked(v.H, nil)
	h.mu.Unlock()
	for len(pending) > 0 {
		next := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		h.mu.Lock()
		pending = h.releaseLocked(next, pending)
		h.mu.Unlock()
	}
}

func (h *Heap) releaseLocked(handle Handle, pending []Handle) []Handle {
	obj := h.objs[handle]
	if obj == nil || !obj.Alive {
		return pending
	}
	obj.Refs--
	if obj.Refs > 0 {
		return pending
	}
	obj.Alive = false
	for _, f := range obj.Fields {
		if f.IsHeap() {
			pending = append(pending, f.H)
		}
	}
	obj.Fields = nil
	delete(h.objs, handle)
	return pending
}

// SetField overwrites a field slot: the old occupant is released, the new
// value retained. Out-of-range indexes are reported as an error rather than
// corrupting the object.
func (h *Heap) SetField(handle Handle, idx int, v Value) error {
	if h == nil {
		return fmt.Errorf("heap: nil heap")
	}
	h.mu.Lock()
	obj := h.objs[handle]
	if obj == nil || !obj.Alive {
		h.mu.Unlock()
		return fmt.Errorf("heap: invalid handle %d", handle)
	}
	if idx < 0 || idx >= len(obj.Fields) {
		h.mu.Unlock()
		return fmt.Errorf("heap: field %d out of range for handle %d", idx, handle)
	}
	if v.IsHeap() {
		if in := h.objs[v.H]; in != nil && in.Alive {
			in.Refs++
		}
	}
	old := obj.Fields[idx]
	obj.Fields[idx] = v
	h.mu.Unlock()
	h.Release(old)
	return nil
}

// Live returns the number of live objects. Used by leak checks in tests.
func (h *Heap) Live() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objs)
}
