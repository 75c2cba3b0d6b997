// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package jitrt

import "testing"

func handleOfSize(entry uint64, n int) CompiledBlockHandle {
	return CompiledBlockHandle{EntryRip: entry, Meta: BlockMeta{ByteLen: uint64(n)}}
}

func TestCacheInsertAndGet(t *testing.T) {
	c := newCache(4, 0)
	c.Insert(handleOfSize(1, 10))
	e, ok := c.Get(1)
	if !ok {
		t.Fatal("expected cache hit for key 1")
	}
	if e.handle.EntryRip != 1 {
		t.Fatalf("got entry rip %d, want 1", e.handle.EntryRip)
	}
}

func TestCacheEvictsLeastRecentlyUsedByBlockCount(t *testing.T) {
	c := newCache(2, 0)
	c.Insert(handleOfSize(1, 1))
	c.Insert(handleOfSize(2, 1))
	evicted := c.Insert(handleOfSize(3, 1))
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Fatalf("evicted = %v, want [1]", evicted)
	}
	if _, ok := c.Get(1); ok {
		t.Fatal("key 1 should have been evicted")
	}
	if _, ok := c.Get(2); !ok {
		t.Fatal("key 2 should still be resident")
	}
}

func TestCacheTouchOnGetProtectsFromEviction(t *testing.T) {
	c := newCache(2, 0)
	c.Insert(handleOfSize(1, 1))
	c.Insert(handleOfSize(2, 1))
	c.Get(1) // 1 is now most-recently-used; 2 becomes the LRU victim
	evicted := c.Insert(handleOfSize(3, 1))
	if len(evicted) != 1 || evicted[0] != 2 {
		t.Fatalf("evicted = %v, want [2]", evicted)
	}
}

func TestCacheEvictsByByteFootprint(t *testing.T) {
	c := newCache(100, 10)
	c.Insert(handleOfSize(1, 6))
	evicted := c.Insert(handleOfSize(2, 6))
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Fatalf("evicted = %v, want [1]", evicted)
	}
	if c.ByteFootprint() != 6 {
		t.Fatalf("byte footprint = %d, want 6", c.ByteFootprint())
	}
}

func TestCacheOversizedSingleBlockIsNotSelfEvicted(t *testing.T) {
	c := newCache(100, 10)
	evicted := c.Insert(handleOfSize(1, 50))
	if len(evicted) != 0 {
		t.Fatalf("evicted = %v, want none", evicted)
	}
	if _, ok := c.Get(1); !ok {
		t.Fatal("oversized block should remain resident")
	}
}

func TestCacheReinsertReplacesInPlace(t *testing.T) {
	c := newCache(4, 0)
	c.Insert(handleOfSize(1, 10))
	c.Insert(handleOfSize(1, 20))
	if c.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", c.Len())
	}
	if c.ByteFootprint() != 20 {
		t.Fatalf("byte footprint = %d, want 20", c.ByteFootprint())
	}
}

func TestCacheRemove(t *testing.T) {
	c := newCache(4, 0)
	c.Insert(handleOfSize(1, 10))
	c.Remove(1)
	if _, ok := c.Get(1); ok {
		t.Fatal("key 1 should have been removed")
	}
	if c.ByteFootprint() != 0 {
		t.Fatalf("byte footprint after remove = %d, want 0", c.ByteFootprint())
	}
}

func TestCacheClear(t *testing.T) {
	c := newCache(4, 0)
	c.Insert(handleOfSize(1, 10))
	c.Insert(handleOfSize(2, 10))
	c.Clear()
	if c.Len() != 0 || c.ByteFootprint() != 0 {
		t.Fatalf("cache not empty after Clear: len=%d bytes=%d", c.Len(), c.ByteFootprint())
	}
}
