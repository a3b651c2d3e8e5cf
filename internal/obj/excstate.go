package obj

// Handler is one entry of a task's exception-handler chain. The scheduling
// core never interprets the fields; they carry the interpreter's resume
// information for a try block.
type Handler struct {
	// Target is the handler's resume point inside the poll function.
	Target uint32
	// FrameDepth is the evaluation-stack depth to unwind to.
	FrameDepth uint32
}

// ExcState boxes the exception context that a stack-based language would
// keep on the call stack: the active handler chain and its nesting depth.
// While a task is suspended the state lives in the task object; while it
// runs the state is the ambient one on the Proc.
type ExcState struct {
	Handlers []Handler
	Depth    int
}

// NewExcState returns the initial exception context of a fresh task.
// Generators are allocated with depth 1.
func NewExcState(depth int) *ExcState {
	return &ExcState{Depth: depth}
}

// Push appends a handler to the chain.
func (s *ExcState) Push(h Handler) {
	if s == nil {
		return
	}
	s.Handlers = append(s.Handlers, h)
	s.Depth++
}

// Pop removes the innermost handler. Popping an empty chain is a no-op.
func (s *ExcState) Pop() (Handler, bool) {
	if s == nil || len(s.Handlers) == 0 {
		return Handler{}, false
	}
	h := s.Handlers[len(s.Handlers)-1]
	s.Handlers = s.Handlers[:len(s.Handlers)-1]
	if s.Depth > 0 {
		s.Depth--
	}
	return h, true
}
