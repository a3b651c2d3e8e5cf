package rt

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"vesper/internal/obj"
)

func TestHangProbeDumpsAfterThreshold(t *testing.T) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("vesper-hang-%d.msgpack", os.Getpid()))
	_ = os.Remove(path)
	t.Cleanup(func() { _ = os.Remove(path) })

	rtm := New(Config{Workers: 0, HangProbeThreshold: 3})
	t.Cleanup(rtm.Close)
	p := rtm.NewProc()

	// Pending forever without a wait registration: the probe's target.
	task := rtm.NewFuture(func(px *obj.Proc, t *Task) (obj.Value, PollStatus) {
		return obj.Nothing(), StatusPending
	}, 1)

	for i := 0; i < 2; i++ {
		rtm.runTask(p, task, -1)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("probe fired below the threshold")
	}
	rtm.runTask(p, task, -1)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("dump not written: %v", err)
	}
	var doc probeDump
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Schema != probeSchemaVersion {
		t.Fatalf("schema = %d, want %d", doc.Schema, probeSchemaVersion)
	}
	if doc.Trigger != uint64(task.ID()) {
		t.Fatalf("trigger = %d, want %d", doc.Trigger, task.ID())
	}
	if len(doc.Tasks) == 0 {
		t.Fatalf("dump has no task rows")
	}

	// Within the cooldown later pending polls must not rewrite the dump.
	_ = os.Remove(path)
	rtm.runTask(p, task, -1)
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("probe fired again inside the cooldown")
	}
}

func TestHangProbeRearmsAfterCooldown(t *testing.T) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("vesper-hang-%d.msgpack", os.Getpid()))
	_ = os.Remove(path)
	t.Cleanup(func() { _ = os.Remove(path) })

	rtm := New(Config{Workers: 0, HangProbeThreshold: 2})
	t.Cleanup(rtm.Close)
	rtm.probe.cooldown = 0
	p := rtm.NewProc()

	task := rtm.NewFuture(func(px *obj.Proc, t *Task) (obj.Value, PollStatus) {
		return obj.Nothing(), StatusPending
	}, 1)

	rtm.runTask(p, task, -1)
	rtm.runTask(p, task, -1)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("first dump not written: %v", err)
	}

	// Cooldown elapsed: the next pending poll produces a fresh dump.
	_ = os.Remove(path)
	rtm.runTask(p, task, -1)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("probe did not re-arm after the cooldown: %v", err)
	}
}

func TestHangProbeDisabledByDefault(t *testing.T) {
	rtm := newTestRuntime(t, 0)
	p := rtm.NewProc()

	task := rtm.NewFuture(func(px *obj.Proc, t *Task) (obj.Value, PollStatus) {
		return obj.Nothing(), StatusPending
	}, 1)
	for i := 0; i < 10; i++ {
		rtm.runTask(p, task, -1)
	}
	// No threshold configured: nothing fires and pendPolls just counts.
	task.mu.Lock()
	pend := task.pendPolls
	task.mu.Unlock()
	if pend != 0 && pend != 10 {
		t.Fatalf("pendPolls = %d", pend)
	}
}
