// Package flash defines the byte-granular device contract the storage
// engine is built on, and ships two reference implementations of it.
//
// A real NOR-flash driver is out of scope for this repository (see the
// Non-goals in section 1 of SPEC_FULL.md): callers
// embedding nanokv on actual hardware supply their own Device. MemDevice
// and FileDevice exist so the engine, its tests, and the demo CLI have
// something to run against without one.
package flash

import "fmt"

// Device is the three-operation contract a NOR-flash part (or a stand-in)
// must satisfy. All three methods are byte-granular from the engine's
// point of view; Program additionally requires addr and len(buf) to be a
// multiple of Geometry.Align, and must only ever clear bits relative to
// what was there before (NOR semantics) — the engine's staged commit
// protocol depends on that guarantee to make a single aligned program
// atomic from the perspective of a reader.
type Device interface {
	// Read copies len(buf) bytes starting at addr into buf.
	Read(addr uint32, buf []byte) error
	// Program writes buf at addr. addr and len(buf) must both be
	// multiples of the device's alignment. Implementations must only
	// clear bits: Program(addr, buf) over previously-programmed bytes
	// may only turn 1-bits into 0-bits, never the reverse, short of an
	// intervening Erase.
	Program(addr uint32, buf []byte) error
	// Erase resets one whole sector (sectorAddr must be sector-aligned)
	// back to all-0xFF.
	Erase(sectorAddr uint32) error
}

// Geometry describes the static layout of the flash partition the engine
// manages. It never changes after New.
type Geometry struct {
	Base        uint32 // address of sector 0
	SectorSize  uint32 // bytes per sector
	SectorCount uint8  // number of sectors in the ring, >= 2
	Align       uint8  // program alignment, power of two, >= 2
}

// SectorAddr returns the base address of sector idx.
func (g Geometry) SectorAddr(idx uint8) uint32 {
	return g.Base + uint32(idx)*g.SectorSize
}

// AlignUp rounds x up to the next multiple of the device alignment.
func (g Geometry) AlignUp(x uint32) uint32 {
	a := uint32(g.Align)
	return (x + a - 1) &^ (a - 1)
}

// Total returns the size in bytes of the whole managed partition.
func (g Geometry) Total() uint32 {
	return g.SectorSize * uint32(g.SectorCount)
}

// Validate enforces the invariants the engine's commit protocol relies
// on: at least two sectors (so there is always somewhere to roll to), a
// power-of-two alignment of at least 2 bytes (so the 16-bit state cell
// can be reprogrammed in one atomic-from-the-reader's-view operation),
// and a biggest-possible-entry size that still leaves room for a garbage
// collection pass to make progress.
func (g Geometry) Validate(maxEntrySize uint32) error {
	if g.SectorCount < 2 {
		return fmt.Errorf("%w: sector_count must be >= 2, got %d", errInvalid, g.SectorCount)
	}
	if g.Align == 0 || g.Align&(g.Align-1) != 0 {
		return fmt.Errorf("%w: align must be a power of two, got %d", errInvalid, g.Align)
	}
	if g.Align < 2 {
		return fmt.Errorf("%w: align must be >= 2 to atomically program the state cell", errInvalid)
	}
	if maxEntrySize > g.SectorSize/2 {
		return fmt.Errorf("%w: max entry size %d exceeds half the sector size %d", errInvalid, maxEntrySize, g.SectorSize)
	}
	return nil
}

var errInvalid = fmt.Errorf("invalid flash geometry")
