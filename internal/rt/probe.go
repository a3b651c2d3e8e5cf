package rt

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"vesper/internal/trace"
)

// probeSchemaVersion guards the dump format. Bump on any field change so a
// reader never misparses an old file.
const probeSchemaVersion = 1

// probeTaskSnapshot is one task's row in a hang dump.
type probeTaskSnapshot struct {
	ID        uint64 `msgpack:"id"`
	Kind      uint8  `msgpack:"kind"`
	State     uint64 `msgpack:"state"`
	Wait      uint8  `msgpack:"wait"`
	PendPolls uint32 `msgpack:"pend_polls"`
	Started   bool   `msgpack:"started"`
}

// probeDump is the msgpack document written when the probe fires.
type probeDump struct {
	Schema    int                 `msgpack:"schema"`
	Time      int64               `msgpack:"time_unix_ms"`
	Trigger   uint64              `msgpack:"trigger_task"`
	Worker    int                 `msgpack:"worker"`
	Threshold int                 `msgpack:"threshold"`
	Tasks     []probeTaskSnapshot `msgpack:"tasks"`
}

// probeCooldown is the minimum interval between two dumps. A task stuck
// pending keeps crossing the threshold on every poll; the cooldown turns
// that stream into a periodic report instead of a dump per poll.
const probeCooldown = time.Minute

// hangProbe watches for tasks that return pending over and over without
// parking on a primitive. Crossing the threshold writes a snapshot of the
// task table, re-arming after a cooldown; each dump overwrites the previous
// one, so the file always holds the latest report.
type hangProbe struct {
	rt        *Runtime
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	lastFire time.Time
}

func newHangProbe(rt *Runtime, threshold int) *hangProbe {
	return &hangProbe{rt: rt, threshold: threshold, cooldown: probeCooldown}
}

// observe records one pending poll of t. Fires at most once per cooldown
// interval.
func (hp *hangProbe) observe(t *Task, worker int) {
	if hp == nil || hp.threshold <= 0 {
		return
	}
	n := t.notePending()
	if int(n) < hp.threshold {
		return
	}
	hp.mu.Lock()
	if !hp.lastFire.IsZero() && time.Since(hp.lastFire) < hp.cooldown {
		hp.mu.Unlock()
		return
	}
	hp.lastFire = time.Now()
	hp.mu.Unlock()
	hp.dump(t, worker)
}

func (hp *hangProbe) dump(trigger *Task, worker int) {
	rt := hp.rt

	rt.mu.Lock()
	tasks := make([]probeTaskSnapshot, 0, len(rt.tasks))
	for _, t := range rt.tasks {
		kind, _ := t.waitState()
		t.mu.Lock()
		pend := t.pendPolls
		t.mu.Unlock()
		tasks = append(tasks, probeTaskSnapshot{
			ID:        uint64(t.id),
			Kind:      uint8(t.kind),
			State:     t.State(),
			Wait:      uint8(kind),
			PendPolls: pend,
			Started:   t.Started(),
		})
	}
	rt.mu.Unlock()

	doc := probeDump{
		Schema:    probeSchemaVersion,
		Time:      time.Now().UnixMilli(),
		Trigger:   uint64(trigger.id),
		Worker:    worker,
		Threshold: hp.threshold,
		Tasks:     tasks,
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("vesper-hang-%d.msgpack", os.Getpid()))
	if raw, err := msgpack.Marshal(&doc); err == nil {
		//nolint:gosec // diagnostic dump, world-readable is fine
		_ = os.WriteFile(path, raw, 0o644)
	}

	fmt.Fprintf(os.Stderr, "vesper: hang probe fired: task %d pending %d times, dump at %s\n",
		trigger.id, hp.threshold, path)
	if rt.tracer.Enabled() {
		rt.tracer.Emit(&trace.Event{
			Time: time.Now(), Kind: trace.KindProbe,
			Task: uint64(trigger.id), Worker: worker,
			Detail: path,
		})
	}
}
