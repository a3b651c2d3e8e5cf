package rt

import "sync"

// TokenID identifies a cancellation token.
type TokenID uint64

// RootToken is the immortal root of the token forest. Every thread starts
// with it current, and it can never be released or cancelled away.
const RootToken TokenID = 1

type tokenNode struct {
	parent    TokenID
	cancelled bool
	refs      int32
}

// tokenTable maps token ids to nodes and tasks to their tokens. Tokens form
// a forest; cancellation is permanent. All maps are guarded by one mutex
// held only for single lookups, never across a poll.
type tokenTable struct {
	mu       sync.Mutex
	nodes    map[TokenID]*tokenNode
	next     TokenID
	byTask   map[TaskID]TokenID
	taskRefs map[TaskID]int32
	members  map[TokenID]map[TaskID]*Task
	walkCap  int
}

func newTokenTable(walkCap int) *tokenTable {
	return &tokenTable{
		nodes:    map[TokenID]*tokenNode{RootToken: {refs: 1}},
		next:     RootToken + 1,
		byTask:   make(map[TaskID]TokenID),
		taskRefs: make(map[TaskID]int32),
		members:  make(map[TokenID]map[TaskID]*Task),
		walkCap:  walkCap,
	}
}

// newToken creates a token under parent. An unknown parent falls back to
// the root so a stale id cannot detach a subtree from cancellation.
func (tt *tokenTable) newToken(parent TokenID) TokenID {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if _, ok := tt.nodes[parent]; !ok {
		parent = RootToken
	}
	id := tt.next
	tt.next++
	tt.nodes[id] = &tokenNode{parent: parent, refs: 1}
	return id
}

func (tt *tokenTable) retain(id TokenID) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if node := tt.nodes[id]; node != nil {
		node.refs++
	}
}

func (tt *tokenTable) release(id TokenID) {
	if id == RootToken {
		return
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	node := tt.nodes[id]
	if node == nil {
		return
	}
	node.refs--
	if node.refs <= 0 {
		delete(tt.nodes, id)
		delete(tt.members, id)
	}
}

// isCancelled walks the parent chain, depth-capped, and reports whether the
// token or any ancestor is cancelled.
func (tt *tokenTable) isCancelled(id TokenID) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for depth := 0; depth < tt.walkCap; depth++ {
		node := tt.nodes[id]
		if node == nil {
			return false
		}
		if node.cancelled {
			return true
		}
		if node.parent == 0 {
			return false
		}
		id = node.parent
	}
	return false
}

// cancel marks the token cancelled and returns the tasks registered
// directly under it, so the runtime can deliver CANCEL_PENDING.
func (tt *tokenTable) cancel(id TokenID) []*Task {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	node := tt.nodes[id]
	if node == nil {
		return nil
	}
	node.cancelled = true
	set := tt.members[id]
	if len(set) == 0 {
		return nil
	}
	tasks := make([]*Task, 0, len(set))
	for _, t := range set {
		tasks = append(tasks, t)
	}
	return tasks
}

// registerTask associates a task with a token. Associations are refcounted:
// register and unregister must pair up.
func (tt *tokenTable) registerTask(t *Task, id TokenID) {
	if t == nil {
		return
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	node := tt.nodes[id]
	if node == nil {
		id = RootToken
		node = tt.nodes[id]
	}
	if tt.taskRefs[t.id] == 0 {
		node.refs++
		tt.byTask[t.id] = id
		set := tt.members[id]
		if set == nil {
			set = make(map[TaskID]*Task)
			tt.members[id] = set
		}
		set[t.id] = t
	}
	tt.taskRefs[t.id]++
}

// unregisterTask drops one reference to the task's token association and
// removes it entirely at zero.
func (tt *tokenTable) unregisterTask(id TaskID) {
	tt.mu.Lock()
	refs := tt.taskRefs[id]
	if refs == 0 {
		tt.mu.Unlock()
		return
	}
	refs--
	if refs > 0 {
		tt.taskRefs[id] = refs
		tt.mu.Unlock()
		return
	}
	delete(tt.taskRefs, id)
	tok := tt.byTask[id]
	delete(tt.byTask, id)
	if set := tt.members[tok]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(tt.members, tok)
		}
	}
	tt.mu.Unlock()
	tt.release(tok)
}

// dropTask removes the task's token association regardless of its
// refcount. Called exactly once from task teardown.
func (tt *tokenTable) dropTask(id TaskID) {
	tt.mu.Lock()
	if _, ok := tt.taskRefs[id]; !ok {
		tt.mu.Unlock()
		return
	}
	delete(tt.taskRefs, id)
	tok := tt.byTask[id]
	delete(tt.byTask, id)
	if set := tt.members[tok]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(tt.members, tok)
		}
	}
	tt.mu.Unlock()
	tt.release(tok)
}

// tokenOf returns the task's token, defaulting to the root.
func (tt *tokenTable) tokenOf(id TaskID) TokenID {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tok, ok := tt.byTask[id]; ok {
		return tok
	}
	return RootToken
}
