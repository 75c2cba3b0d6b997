// config.go - JIT runtime configuration surface
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package jitrt

// codeVersionMaxPagesHardCap bounds Config.CodeVersionMaxPages, matching
// MaxTrackerPages since both exist to bound the same class of
// allocation.
const codeVersionMaxPagesHardCap = 4_194_304

// Config is the recognized configuration surface for a Runtime.
// Construction clamps invalid combinations silently and reflects the
// clamped values back through the struct.
type Config struct {
	Enabled             bool
	HotThreshold        uint32
	CacheMaxBlocks      int
	CacheMaxBytes       int // 0 means unlimited by byte count
	CodeVersionMaxPages int
}

// DefaultConfig returns a Config with JIT compilation enabled, a
// moderate hotness threshold, and generous but bounded cache limits.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		HotThreshold:        100,
		CacheMaxBlocks:      4096,
		CacheMaxBytes:       0,
		CodeVersionMaxPages: 4096,
	}.clamp()
}

// clamp enforces the documented invariants: a zero hot threshold would
// request compilation for every single miss, which is never useful, so
// it is raised to 1; cache_max_blocks must allow at least one resident
// block; code_version_max_pages is hard-capped.
func (c Config) clamp() Config {
	if c.HotThreshold == 0 {
		c.HotThreshold = 1
	}
	if c.CacheMaxBlocks <= 0 {
		c.CacheMaxBlocks = 1
	}
	if c.CacheMaxBytes < 0 {
		c.CacheMaxBytes = 0
	}
	if c.CodeVersionMaxPages <= 0 {
		c.CodeVersionMaxPages = 1
	}
	if c.CodeVersionMaxPages > codeVersionMaxPagesHardCap {
		c.CodeVersionMaxPages = codeVersionMaxPagesHardCap
	}
	return c
}
