// runtime.go - the JIT execution core tying cache, profile, and tracker
// together behind the prepare/install/execute cycle described by the
// emulator's compiled-block lifecycle.
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package jitrt

import "github.com/aero-emu/xcore/internal/cpustate"

// BlockExit describes how control left a compiled block.
type BlockExit struct {
	NextRip           uint64
	ExitToInterpreter bool
	Committed         bool
}

// JitBackend executes a previously installed compiled block identified
// by its opaque TableIndex. The runtime never interprets TableIndex
// itself; it is a contract between a backend and whatever compiled the
// block.
type JitBackend interface {
	Execute(tableIndex uint64, cpu *cpustate.CPU, mem cpustate.MemoryBus) (BlockExit, error)
}

// CompileRequestSink receives out-of-band notice that entryRip has
// crossed the hotness threshold and should be compiled. Delivery is
// fire-and-forget: the runtime does not block waiting for a result and
// will not issue a second request for the same entry until its
// in-flight bit is cleared by eviction or invalidation.
type CompileRequestSink interface {
	RequestCompile(entryRip uint64)
}

// MetricsSink observes cache and profiler activity for diagnostics. All
// methods must tolerate a nil receiver pattern via the runtime's own
// nil checks; implementations need not be safe for concurrent use
// unless the embedding Runtime is shared across goroutines.
type MetricsSink interface {
	OnHit(entryRip uint64)
	OnMiss(entryRip uint64)
	OnInstall(entryRip uint64, evictedCount int)
	OnEvict(entryRip uint64)
	OnInvalidate(entryRip uint64)
	OnStaleInstallReject(entryRip uint64)
	OnCompileRequest(entryRip uint64)
	OnByteFootprintChanged(bytes int)
}

// Runtime is the JIT execution core: it answers "do we have a valid
// compiled block for this entry" (PrepareBlock), accepts newly compiled
// blocks from a backend (InstallHandle), and drives execution of an
// installed block (ExecuteBlock). It owns no compiler; compilation is
// requested through CompileRequestSink and fulfilled by a later
// InstallHandle call from the embedder.
type Runtime struct {
	cfg     Config
	cache   *cache
	profile *hotnessProfile
	tracker *PageVersionTracker
	backend JitBackend
	sink    CompileRequestSink
	metrics MetricsSink
}

// New constructs a Runtime. backend, sink, and metrics may be nil; a nil
// backend makes ExecuteBlock always return an interpreter-exit result, a
// nil sink makes compile requests silently drop, and a nil metrics sink
// disables observability entirely.
func New(cfg Config, tracker *PageVersionTracker, backend JitBackend, sink CompileRequestSink, metrics MetricsSink) *Runtime {
	cfg = cfg.clamp()
	return &Runtime{
		cfg:     cfg,
		cache:   newCache(cfg.CacheMaxBlocks, cfg.CacheMaxBytes),
		profile: newHotnessProfile(),
		tracker: tracker,
		backend: backend,
		sink:    sink,
		metrics: metrics,
	}
}

// Config returns the runtime's effective, clamped configuration.
func (r *Runtime) Config() Config { return r.cfg }

// CacheLen reports the number of resident compiled blocks.
func (r *Runtime) CacheLen() int { return r.cache.Len() }

// ByteFootprint reports the total code-byte length of resident blocks.
func (r *Runtime) ByteFootprint() int { return r.cache.ByteFootprint() }

func (r *Runtime) isBlockValid(h CompiledBlockHandle) bool {
	return IsBlockValid(h, r.tracker)
}

func (r *Runtime) requestCompile(entry uint64) {
	r.profile.SetRequested(entry, true)
	if r.metrics != nil {
		r.metrics.OnCompileRequest(entry)
	}
	if r.sink != nil {
		r.sink.RequestCompile(entry)
	}
}

// PrepareBlock looks up entryRip's compiled block. A cache hit with a
// still-valid snapshot returns the handle directly. A hit whose
// snapshot has gone stale is evicted, its profile state cleared, and a
// fresh compile is requested, exactly as if it had never been cached. A
// miss increments entryRip's hotness counter and requests compilation
// once the counter reaches the configured threshold, provided no
// request is already outstanding.
func (r *Runtime) PrepareBlock(entryRip uint64) (CompiledBlockHandle, bool) {
	if !r.cfg.Enabled {
		return CompiledBlockHandle{}, false
	}

	if e, ok := r.cache.Get(entryRip); ok {
		if r.isBlockValid(e.handle) {
			if r.metrics != nil {
				r.metrics.OnHit(entryRip)
			}
			return e.handle, true
		}
		r.cache.Remove(entryRip)
		r.profile.Remove(entryRip)
		if r.metrics != nil {
			r.metrics.OnInvalidate(entryRip)
		}
		r.requestCompile(entryRip)
		return CompiledBlockHandle{}, false
	}

	if r.metrics != nil {
		r.metrics.OnMiss(entryRip)
	}
	count := r.profile.Increment(entryRip)
	if count >= r.cfg.HotThreshold && !r.profile.Requested(entryRip) {
		r.requestCompile(entryRip)
	}
	return CompiledBlockHandle{}, false
}

// InstallHandle accepts a freshly compiled block from the embedder. A
// handle whose snapshot is already stale relative to the current page
// versions is rejected outright, since installing it would only be
// evicted on first use; a new compile is requested immediately unless a
// still-valid block for the same entry is already resident, in which
// case the cached block stands and no request is issued. Otherwise the
// handle replaces any existing entry for the same entry address and the
// cache evicts least-recently-used blocks as needed to respect the
// configured limits. InstallHandle returns the entry addresses of every
// block evicted as a side effect.
func (r *Runtime) InstallHandle(handle CompiledBlockHandle) []uint64 {
	if !r.isBlockValid(handle) {
		if r.metrics != nil {
			r.metrics.OnStaleInstallReject(handle.EntryRip)
		}
		if existing, ok := r.cache.Peek(handle.EntryRip); ok {
			if r.isBlockValid(existing.handle) {
				// A still-valid block already serves this entry; keep it
				// and issue no new compile request.
				return nil
			}
			r.cache.Remove(handle.EntryRip)
			r.profile.Remove(handle.EntryRip)
			if r.metrics != nil {
				r.metrics.OnEvict(handle.EntryRip)
			}
		}
		r.profile.ClearRequested(handle.EntryRip)
		r.requestCompile(handle.EntryRip)
		return nil
	}

	r.profile.ClearRequested(handle.EntryRip)
	evicted := r.cache.Insert(handle)
	if r.metrics != nil {
		r.metrics.OnInstall(handle.EntryRip, len(evicted))
	}
	for _, key := range evicted {
		r.profile.Remove(key)
		if r.metrics != nil {
			r.metrics.OnEvict(key)
		}
	}
	if r.metrics != nil {
		r.metrics.OnByteFootprintChanged(r.cache.ByteFootprint())
	}
	return evicted
}

// Invalidate bumps the page-version tracker for the guest physical range
// [paddr, paddr+length). It removes no cache entry itself: a cached block
// covering a written page fails validation on its next PrepareBlock,
// which evicts it and requests a recompile.
func (r *Runtime) Invalidate(paddr, length uint64) {
	r.tracker.BumpWrite(paddr, length)
}

// Reset bumps the tracker's generation, invalidating every outstanding
// snapshot, and clears the cache and hotness profile entirely.
func (r *Runtime) Reset() {
	r.tracker.Reset()
	r.cache.Clear()
	r.profile.Reset()
}

// ExecuteBlock runs handle's compiled code through the configured
// backend. With no backend configured, every call exits back to the
// interpreter at the block's own entry point, letting an embedder run
// a pure-interpreter configuration without a nil-backend special case
// at each call site.
func (r *Runtime) ExecuteBlock(handle CompiledBlockHandle, cpu *cpustate.CPU, mem cpustate.MemoryBus) (BlockExit, error) {
	if r.backend == nil {
		return BlockExit{NextRip: handle.EntryRip, ExitToInterpreter: true}, nil
	}
	return r.backend.Execute(handle.TableIndex, cpu, mem)
}
