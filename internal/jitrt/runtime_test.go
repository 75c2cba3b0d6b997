// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package jitrt

import (
	"testing"

	"github.com/aero-emu/xcore/internal/cpustate"
)

type fakeSink struct {
	requests []uint64
}

func (s *fakeSink) RequestCompile(entryRip uint64) {
	s.requests = append(s.requests, entryRip)
}

type fakeMetrics struct {
	hits, misses, installs, evicts, invalidates, staleRejects, requests int
	lastFootprint                                                       int
}

func (m *fakeMetrics) OnHit(uint64)                 { m.hits++ }
func (m *fakeMetrics) OnMiss(uint64)                { m.misses++ }
func (m *fakeMetrics) OnInstall(uint64, int)        { m.installs++ }
func (m *fakeMetrics) OnEvict(uint64)               { m.evicts++ }
func (m *fakeMetrics) OnInvalidate(uint64)          { m.invalidates++ }
func (m *fakeMetrics) OnStaleInstallReject(uint64)  { m.staleRejects++ }
func (m *fakeMetrics) OnCompileRequest(uint64)      { m.requests++ }
func (m *fakeMetrics) OnByteFootprintChanged(n int) { m.lastFootprint = n }

func newTestRuntime(t *testing.T, cfg Config) (*Runtime, *PageVersionTracker, *fakeSink, *fakeMetrics) {
	t.Helper()
	tr := NewPageVersionTracker(64)
	sink := &fakeSink{}
	metrics := &fakeMetrics{}
	rt := New(cfg, tr, nil, sink, metrics)
	return rt, tr, sink, metrics
}

func TestPrepareBlockMissIncrementsHotnessAndRequestsAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HotThreshold = 3
	rt, _, sink, metrics := newTestRuntime(t, cfg)

	for i := 0; i < 2; i++ {
		if _, ok := rt.PrepareBlock(0x1000); ok {
			t.Fatal("expected miss before compilation")
		}
	}
	if len(sink.requests) != 0 {
		t.Fatalf("compile requested too early: %v", sink.requests)
	}
	if _, ok := rt.PrepareBlock(0x1000); ok {
		t.Fatal("expected miss on third call")
	}
	if len(sink.requests) != 1 || sink.requests[0] != 0x1000 {
		t.Fatalf("compile requests = %v, want [0x1000]", sink.requests)
	}
	if metrics.misses != 3 {
		t.Fatalf("misses = %d, want 3", metrics.misses)
	}

	// A further miss must not issue a second in-flight request.
	rt.PrepareBlock(0x1000)
	if len(sink.requests) != 1 {
		t.Fatalf("compile requests after repeat miss = %v, want still length 1", sink.requests)
	}
}

func TestInstallThenPrepareIsAHit(t *testing.T) {
	rt, tr, _, metrics := newTestRuntime(t, DefaultConfig())
	handle := handleForRange(tr, 0x2000, 0, 16)

	evicted := rt.InstallHandle(handle)
	if len(evicted) != 0 {
		t.Fatalf("unexpected eviction on first install: %v", evicted)
	}

	got, ok := rt.PrepareBlock(0x2000)
	if !ok {
		t.Fatal("expected hit after install")
	}
	if got.EntryRip != 0x2000 {
		t.Fatalf("got entry %x, want 0x2000", got.EntryRip)
	}
	if metrics.hits != 1 {
		t.Fatalf("hits = %d, want 1", metrics.hits)
	}
}

func TestPrepareBlockDetectsStaleCacheEntryAndRecompiles(t *testing.T) {
	rt, tr, sink, metrics := newTestRuntime(t, DefaultConfig())
	handle := handleForRange(tr, 0x3000, 0, 16)
	rt.InstallHandle(handle)

	tr.BumpWrite(0, 1) // invalidates page 0, which the block covers

	if _, ok := rt.PrepareBlock(0x3000); ok {
		t.Fatal("expected stale block to miss")
	}
	if metrics.invalidates != 1 {
		t.Fatalf("invalidates = %d, want 1", metrics.invalidates)
	}
	if len(sink.requests) != 1 || sink.requests[0] != 0x3000 {
		t.Fatalf("compile requests = %v, want [0x3000]", sink.requests)
	}
}

func TestInstallHandleRejectsStaleSnapshot(t *testing.T) {
	rt, tr, sink, metrics := newTestRuntime(t, DefaultConfig())
	handle := handleForRange(tr, 0x4000, 0, 16)
	tr.BumpWrite(0, 1) // stale relative to the snapshot taken inside handle
	evicted := rt.InstallHandle(handle)
	if evicted != nil {
		t.Fatalf("evicted = %v, want nil on rejection", evicted)
	}
	if metrics.staleRejects != 1 {
		t.Fatalf("staleRejects = %d, want 1", metrics.staleRejects)
	}
	if len(sink.requests) != 1 {
		t.Fatalf("compile requests = %v, want length 1", sink.requests)
	}
	if _, ok := rt.PrepareBlock(0x4000); ok {
		t.Fatal("rejected handle must not be installed")
	}
}

func TestStaleInstallKeepsValidCachedEntryAndSkipsReRequest(t *testing.T) {
	rt, tr, sink, metrics := newTestRuntime(t, DefaultConfig())
	rt.InstallHandle(handleForRange(tr, 0xB000, 0, 16))

	stale := handleForRange(tr, 0xB000, 0, 16)
	stale.Meta.PageVersionsGeneration = tr.Generation() + 1

	if evicted := rt.InstallHandle(stale); evicted != nil {
		t.Fatalf("evicted = %v, want nil on rejection", evicted)
	}
	if metrics.staleRejects != 1 {
		t.Fatalf("staleRejects = %d, want 1", metrics.staleRejects)
	}
	if len(sink.requests) != 0 {
		t.Fatalf("compile requests = %v, want none while a valid block is resident", sink.requests)
	}
	if _, ok := rt.PrepareBlock(0xB000); !ok {
		t.Fatal("valid cached block must survive a rejected stale install")
	}
}

func TestInstallHandleEvictsAndClearsProfile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheMaxBlocks = 1
	rt, tr, _, metrics := newTestRuntime(t, cfg)

	rt.InstallHandle(handleForRange(tr, 0x5000, 0, 16))
	evicted := rt.InstallHandle(handleForRange(tr, 0x6000, pageSize, 16))

	if len(evicted) != 1 || evicted[0] != 0x5000 {
		t.Fatalf("evicted = %v, want [0x5000]", evicted)
	}
	if metrics.evicts != 1 {
		t.Fatalf("evicts = %d, want 1", metrics.evicts)
	}
	if _, ok := rt.PrepareBlock(0x5000); ok {
		t.Fatal("evicted block should no longer hit")
	}
}

func TestResetInvalidatesCacheAndProfile(t *testing.T) {
	rt, tr, sink, _ := newTestRuntime(t, DefaultConfig())
	rt.InstallHandle(handleForRange(tr, 0x7000, 0, 16))

	rt.Reset()

	if _, ok := rt.PrepareBlock(0x7000); ok {
		t.Fatal("expected miss after Reset")
	}
	// Hotness counters were also cleared, so a single miss must not yet
	// trigger a fresh compile request beyond what PrepareBlock itself
	// issues at the default threshold.
	if len(sink.requests) > 1 {
		t.Fatalf("unexpected number of compile requests after reset: %v", sink.requests)
	}
}

func TestExecuteBlockWithNilBackendExitsToInterpreter(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, DefaultConfig())
	cpu := cpustate.New()
	handle := CompiledBlockHandle{EntryRip: 0x8000}
	exit, err := rt.ExecuteBlock(handle, cpu, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exit.ExitToInterpreter || exit.NextRip != 0x8000 {
		t.Fatalf("exit = %+v, want ExitToInterpreter at 0x8000", exit)
	}
}

type fakeBackend struct {
	lastTableIndex uint64
}

func (b *fakeBackend) Execute(tableIndex uint64, cpu *cpustate.CPU, mem cpustate.MemoryBus) (BlockExit, error) {
	b.lastTableIndex = tableIndex
	return BlockExit{NextRip: 0x9999, Committed: true}, nil
}

func TestExecuteBlockDelegatesToBackend(t *testing.T) {
	tr := NewPageVersionTracker(4)
	backend := &fakeBackend{}
	rt := New(DefaultConfig(), tr, backend, nil, nil)
	cpu := cpustate.New()
	handle := CompiledBlockHandle{EntryRip: 0x1000, TableIndex: 42}

	exit, err := rt.ExecuteBlock(handle, cpu, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.lastTableIndex != 42 {
		t.Fatalf("backend saw table index %d, want 42", backend.lastTableIndex)
	}
	if !exit.Committed || exit.NextRip != 0x9999 {
		t.Fatalf("exit = %+v", exit)
	}
}

func TestDisabledRuntimeAlwaysMisses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	rt, tr, _, _ := newTestRuntime(t, cfg)
	rt.InstallHandle(handleForRange(tr, 0xA000, 0, 16))
	if _, ok := rt.PrepareBlock(0xA000); ok {
		t.Fatal("disabled runtime must never report a hit")
	}
}
