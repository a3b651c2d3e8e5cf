package rt

// TaskStat is one live task's row in a stats snapshot.
type TaskStat struct {
	ID        uint64
	Kind      string
	State     uint64
	Wait      string
	PendPolls uint32
	Started   bool
	Queued    bool
}

// SchedCounters are the scheduler's monotonic event counters.
type SchedCounters struct {
	Local  uint64
	Inject uint64
	Steal  uint64
	Events uint64
	Hash   uint64
}

// Stats is a point-in-time snapshot of the runtime, cheap enough to poll a
// few times a second for live display.
type Stats struct {
	Workers  int
	Injector int
	Deques   []int
	Sleeping int
	Tasks    []TaskStat
	Counters SchedCounters
}

// Stats snapshots the runtime. Queue lengths and task rows are taken under
// their own locks, so the snapshot is consistent per field, not globally.
func (rt *Runtime) Stats() Stats {
	if rt == nil {
		return Stats{}
	}
	st := Stats{Workers: len(rt.sched.workers)}
	st.Injector, st.Deques = rt.sched.queueStats()
	st.Counters = rt.sched.counterStats()
	st.Sleeping = rt.sleep.armed()

	rt.mu.Lock()
	st.Tasks = make([]TaskStat, 0, len(rt.tasks))
	for _, t := range rt.tasks {
		kind, _ := t.waitState()
		t.mu.Lock()
		pend := t.pendPolls
		t.mu.Unlock()
		st.Tasks = append(st.Tasks, TaskStat{
			ID:        uint64(t.id),
			Kind:      t.kind.String(),
			State:     t.State(),
			Wait:      kind.String(),
			PendPolls: pend,
			Started:   t.Started(),
			Queued:    t.queued.Load(),
		})
	}
	rt.mu.Unlock()
	return st
}

func (s *scheduler) queueStats() (injector int, deques []int) {
	s.injMu.Lock()
	injector = len(s.inj)
	s.injMu.Unlock()
	deques = make([]int, len(s.workers))
	for i, w := range s.workers {
		w.mu.Lock()
		deques[i] = len(w.deque)
		w.mu.Unlock()
	}
	return injector, deques
}

func (s *scheduler) counterStats() SchedCounters {
	return SchedCounters{
		Local:  s.cLocal.Load(),
		Inject: s.cInject.Load(),
		Steal:  s.cSteal.Load(),
		Events: s.cEvents.Load(),
		Hash:   s.cHash.Load(),
	}
}

// armed reports how many tasks currently hold a live timer registration.
func (q *sleepQueue) armed() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.gens)
}
