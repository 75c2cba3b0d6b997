// par.go - Physical Address Router for the xcore execution engine
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

/*
par.go implements the physical address space that every guest memory
access in the execution core routes through: a RAM backing store plus two
sorted, non-overlapping region tables (ROM and MMIO) searched in priority
order MMIO > ROM > RAM > unmapped.

Unmapped bytes read as 0xFF and absorb writes silently, matching real
hardware's open-bus behaviour on most x86 platforms. MMIO accesses are
split at region boundaries and issued using the largest naturally aligned
size the remaining run permits, since device models commonly assert on
misaligned multi-byte operations.
*/
package par

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
)

// ErrAddressOverflow is returned by MapROM/MapMMIO when start+len wraps
// the 64-bit address space.
var ErrAddressOverflow = errors.New("par: address range overflows")

// ErrOverlap is returned by MapROM/MapMMIO when the proposed range
// intersects an existing range already registered in the same table.
var ErrOverlap = errors.New("par: region overlaps an existing mapping")

// MmioHandler services sized accesses to a single MMIO region. offset is
// relative to the region's start and is always a multiple of size; size
// is one of {1,2,4,8}.
type MmioHandler interface {
	Read(offset uint64, size uint8) uint64
	Write(offset uint64, size uint8, value uint64)
}

type romRegion struct {
	start uint64
	data  []byte
}

func (r romRegion) end() uint64 { return r.start + uint64(len(r.data)) }

type mmioRegion struct {
	start   uint64
	end     uint64 // exclusive
	handler MmioHandler
}

// Bus is the concrete physical address router. The zero value is not
// usable; construct with New.
type Bus struct {
	mu   sync.RWMutex
	ram  []byte
	roms []romRegion
	mmio []mmioRegion
}

// New creates a router with ramSize bytes of RAM, zero-initialized.
func New(ramSize uint64) *Bus {
	return &Bus{ram: make([]byte, ramSize)}
}

// MapROM registers an immutable ROM region backed by data. data is not
// copied; callers must not mutate it afterward.
func (b *Bus) MapROM(start uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := start + uint64(len(data))
	if len(data) != 0 && end < start {
		return ErrAddressOverflow
	}
	idx := sort.Search(len(b.roms), func(i int) bool { return b.roms[i].start >= start })
	if idx < len(b.roms) && b.roms[idx].start < end {
		return ErrOverlap
	}
	if idx > 0 && b.roms[idx-1].end() > start {
		return ErrOverlap
	}
	region := romRegion{start: start, data: data}
	b.roms = append(b.roms, romRegion{})
	copy(b.roms[idx+1:], b.roms[idx:])
	b.roms[idx] = region
	return nil
}

// MapMMIO registers a handler for [start, start+length).
func (b *Bus) MapMMIO(start, length uint64, handler MmioHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := start + length
	if length != 0 && end < start {
		return ErrAddressOverflow
	}
	idx := sort.Search(len(b.mmio), func(i int) bool { return b.mmio[i].start >= start })
	if idx < len(b.mmio) && b.mmio[idx].start < end {
		return ErrOverlap
	}
	if idx > 0 && b.mmio[idx-1].end > start {
		return ErrOverlap
	}
	region := mmioRegion{start: start, end: end, handler: handler}
	b.mmio = append(b.mmio, mmioRegion{})
	copy(b.mmio[idx+1:], b.mmio[idx:])
	b.mmio[idx] = region
	return nil
}

// findMmio returns the index of the mmio region containing addr, or -1.
func (b *Bus) findMmio(addr uint64) int {
	idx := sort.Search(len(b.mmio), func(i int) bool { return b.mmio[i].end > addr })
	if idx < len(b.mmio) && b.mmio[idx].start <= addr {
		return idx
	}
	return -1
}

// nextMmioStartAfter returns the start of the first mmio region whose
// start is > addr, or ^uint64(0) if none.
func (b *Bus) nextMmioStartAfter(addr uint64) uint64 {
	idx := sort.Search(len(b.mmio), func(i int) bool { return b.mmio[i].start > addr })
	if idx < len(b.mmio) {
		return b.mmio[idx].start
	}
	return ^uint64(0)
}

func (b *Bus) findRom(addr uint64) int {
	idx := sort.Search(len(b.roms), func(i int) bool { return b.roms[i].end() > addr })
	if idx >= 0 && idx < len(b.roms) && b.roms[idx].start <= addr {
		return idx
	}
	return -1
}

func (b *Bus) nextRomStartAfter(addr uint64) uint64 {
	idx := sort.Search(len(b.roms), func(i int) bool { return b.roms[i].start > addr })
	if idx < len(b.roms) {
		return b.roms[idx].start
	}
	return ^uint64(0)
}

// alignedChunk picks the largest size in {8,4,2,1} that fits remaining
// bytes and is aligned to offset, the region-relative position handlers
// see. Handlers are promised offsets that are multiples of the access
// size.
func alignedChunk(offset uint64, remaining int) uint8 {
	for _, sz := range [...]uint8{8, 4, 2, 1} {
		if remaining >= int(sz) && offset%uint64(sz) == 0 {
			return sz
		}
	}
	return 1
}

// runLen clamps the length of a run starting at addr and ending at limit
// (exclusive, addr < limit) to want bytes. The subtraction can span
// nearly the full 64-bit address space for unmapped runs, so the clamp
// happens in uint64 before any conversion to int.
func runLen(addr, limit uint64, want int) int {
	avail := limit - addr
	if avail >= uint64(want) {
		return want
	}
	return int(avail)
}

// Read fills dst starting at paddr, splitting across region boundaries.
func (b *Bus) Read(paddr uint64, dst []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cursor := paddr
	remaining := dst
	for len(remaining) > 0 {
		n := b.readChunk(cursor, remaining)
		cursor += uint64(n)
		remaining = remaining[n:]
	}
}

func (b *Bus) readChunk(addr uint64, dst []byte) int {
	if mi := b.findMmio(addr); mi >= 0 {
		region := b.mmio[mi]
		offset := addr - region.start
		size := alignedChunk(offset, runLen(addr, region.end, len(dst)))
		v := region.handler.Read(offset, size)
		for i := uint8(0); i < size; i++ {
			dst[i] = byte(v >> (8 * i))
		}
		return int(size)
	}
	nextMmio := b.nextMmioStartAfter(addr)

	if ri := b.findRom(addr); ri >= 0 {
		region := b.roms[ri]
		n := runLen(addr, min(region.end(), nextMmio), len(dst))
		off := addr - region.start
		copy(dst[:n], region.data[off:off+uint64(n)])
		return n
	}
	nextRom := b.nextRomStartAfter(addr)

	limit := min(nextMmio, nextRom)
	if addr >= uint64(len(b.ram)) {
		n := runLen(addr, limit, len(dst))
		for i := 0; i < n; i++ {
			dst[i] = 0xFF
		}
		return n
	}
	n := runLen(addr, min(uint64(len(b.ram)), limit), len(dst))
	copy(dst[:n], b.ram[addr:addr+uint64(n)])
	return n
}

// Write writes src starting at paddr, splitting across region boundaries.
// Writes to ROM and to unmapped addresses are silently discarded.
func (b *Bus) Write(paddr uint64, src []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cursor := paddr
	remaining := src
	for len(remaining) > 0 {
		n := b.writeChunk(cursor, remaining)
		cursor += uint64(n)
		remaining = remaining[n:]
	}
}

func (b *Bus) writeChunk(addr uint64, src []byte) int {
	if mi := b.findMmio(addr); mi >= 0 {
		region := b.mmio[mi]
		offset := addr - region.start
		size := alignedChunk(offset, runLen(addr, region.end, len(src)))
		var v uint64
		for i := uint8(0); i < size; i++ {
			v |= uint64(src[i]) << (8 * i)
		}
		region.handler.Write(offset, size, v)
		return int(size)
	}
	nextMmio := b.nextMmioStartAfter(addr)

	if ri := b.findRom(addr); ri >= 0 {
		return runLen(addr, min(b.roms[ri].end(), nextMmio), len(src))
	}
	nextRom := b.nextRomStartAfter(addr)

	limit := min(nextMmio, nextRom)
	if addr >= uint64(len(b.ram)) {
		return runLen(addr, limit, len(src))
	}
	n := runLen(addr, min(uint64(len(b.ram)), limit), len(src))
	copy(b.ram[addr:addr+uint64(n)], src[:n])
	return n
}

// Typed little-endian accessors. These route through Read/Write, so an
// unaligned multi-byte access against MMIO still reaches handlers as
// naturally aligned pieces.

func (b *Bus) ReadU8(paddr uint64) uint8 {
	var buf [1]byte
	b.Read(paddr, buf[:])
	return buf[0]
}

func (b *Bus) ReadU16(paddr uint64) uint16 {
	var buf [2]byte
	b.Read(paddr, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (b *Bus) ReadU32(paddr uint64) uint32 {
	var buf [4]byte
	b.Read(paddr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (b *Bus) ReadU64(paddr uint64) uint64 {
	var buf [8]byte
	b.Read(paddr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// ReadU128 returns the low and high halves of a 16-byte load.
func (b *Bus) ReadU128(paddr uint64) (lo, hi uint64) {
	var buf [16]byte
	b.Read(paddr, buf[:])
	return binary.LittleEndian.Uint64(buf[:8]), binary.LittleEndian.Uint64(buf[8:])
}

func (b *Bus) WriteU8(paddr uint64, v uint8) {
	b.Write(paddr, []byte{v})
}

func (b *Bus) WriteU16(paddr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	b.Write(paddr, buf[:])
}

func (b *Bus) WriteU32(paddr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.Write(paddr, buf[:])
}

func (b *Bus) WriteU64(paddr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.Write(paddr, buf[:])
}

func (b *Bus) WriteU128(paddr uint64, lo, hi uint64) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], lo)
	binary.LittleEndian.PutUint64(buf[8:], hi)
	b.Write(paddr, buf[:])
}
