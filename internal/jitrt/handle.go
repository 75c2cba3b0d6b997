// handle.go - compiled block handles and the block-validity algorithm
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package jitrt

// PageVersionEntry pins one page's version as observed at snapshot time.
type PageVersionEntry struct {
	Page    uint32
	Version uint32
}

// BlockMeta is the validation and bookkeeping payload attached to every
// compiled block handle.
type BlockMeta struct {
	CodePaddr                   uint64
	ByteLen                     uint64
	PageVersionsGeneration      uint64
	PageVersions                []PageVersionEntry
	InstructionCount            uint32
	InhibitInterruptsAfterBlock bool
}

// CompiledBlockHandle is the runtime's opaque reference to an installed
// compiled block. TableIndex selects the backend-defined executable
// artifact; the runtime never inspects it.
type CompiledBlockHandle struct {
	EntryRip   uint64
	TableIndex uint64
	Meta       BlockMeta
}

// IsBlockValid: a block is valid iff its snapshot's
// generation matches the tracker's current generation, the snapshot
// covers the block's full code span (otherwise it was truncated at
// construction and is conservatively treated as stale), and every
// snapshotted page's version still matches the tracker's current value.
// An empty snapshot is an explicit opt-out and is always valid.
func IsBlockValid(h CompiledBlockHandle, tracker *PageVersionTracker) bool {
	if len(h.Meta.PageVersions) == 0 {
		return true
	}
	if h.Meta.PageVersionsGeneration != tracker.Generation() {
		return false
	}
	if len(h.Meta.PageVersions) < pagesSpanned(h.Meta.CodePaddr, h.Meta.ByteLen) {
		return false
	}
	for _, pv := range h.Meta.PageVersions {
		if tracker.Version(pv.Page) != pv.Version {
			return false
		}
	}
	return true
}
