// Package sector manages the ring of fixed-size erase sectors the engine
// treats as its append-only log: which sector is active, how to tell one
// sector's contents are newer than another's after a 16-bit sequence
// number wraps, and where in the active sector the next entry should
// land after a reboot. It sits directly on top of package flash and
// below the entry codec, mirroring the layered split between
// segmentmanager (rotation/lifecycle) and wal (record codec) in the
// teacher repository — except here rotation and codec both operate on
// raw NOR sectors instead of on-disk log segments.
package sector

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/nanokv/nanokv/entry"
	"github.com/nanokv/nanokv/flash"
)

// Magic identifies a sector header that was actually written by this
// engine, as opposed to a sector that is merely erased or holds garbage.
const Magic uint16 = 0x4B56

// HeaderSize is the on-flash size of a sector header.
const HeaderSize = 4

// Header is the first four bytes of every sector: a magic constant and a
// monotonically-increasing (mod 2^16) sequence number. The sector with
// the numerically newest valid seq, by signed wraparound comparison, is
// the active one.
type Header struct {
	Magic uint16
	Seq   uint16
}

// EncodeHeader packs a Header into its on-flash form.
func EncodeHeader(h Header) ([]byte, error) {
	buf, err := restruct.Pack(binary.LittleEndian, &h)
	if err != nil {
		return nil, fmt.Errorf("sector: pack header: %w", err)
	}
	return buf, nil
}

// DecodeHeader unpacks a sector header from buf, which must contain at
// least HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("sector: short header buffer (%d bytes)", len(buf))
	}
	var h Header
	if err := restruct.Unpack(buf[:HeaderSize], binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("sector: unpack header: %w", err)
	}
	return h, nil
}

// IsValid reports whether h carries this engine's magic. It does not
// imply the sector's entries are undamaged, only that the header was
// written by us.
func (h Header) IsValid() bool {
	return h.Magic == Magic
}

// SeqNewer reports whether sequence number a is strictly newer than b,
// using a signed 16-bit wraparound comparison: the difference a-b,
// reinterpreted as a signed 16-bit value, is positive. This is the same
// trick TCP sequence numbers use and is what lets a uint16 counter roll
// over from 0xFFFF back to 0x0000 without ever looking "older" than
// where it started.
func SeqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

// IsErased reports whether every byte in dev[addr, addr+n) still reads
// as 0xFF, i.e. the region has never been programmed since its last
// erase.
func IsErased(dev flash.Device, addr uint32, n uint32) (bool, error) {
	buf := make([]byte, n)
	if err := dev.Read(addr, buf); err != nil {
		return false, err
	}
	for _, b := range buf {
		if b != 0xFF {
			return false, nil
		}
	}
	return true, nil
}

// ReadHeader reads and decodes the sector header at sector index idx.
func ReadHeader(dev flash.Device, geom flash.Geometry, idx uint8) (Header, error) {
	buf := make([]byte, HeaderSize)
	if err := dev.Read(geom.SectorAddr(idx), buf); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf)
}

// WriteHeader erases sector idx and programs a fresh header with the
// given seq. Callers are responsible for having already migrated any
// live entries out of the sector before calling this.
func WriteHeader(dev flash.Device, geom flash.Geometry, idx uint8, seq uint16) error {
	if err := dev.Erase(geom.SectorAddr(idx)); err != nil {
		return fmt.Errorf("sector: erase %d: %w", idx, err)
	}
	buf, err := EncodeHeader(Header{Magic: Magic, Seq: seq})
	if err != nil {
		return err
	}
	padded := make([]byte, geom.AlignUp(uint32(len(buf))))
	copy(padded, buf)
	if err := dev.Program(geom.SectorAddr(idx), padded); err != nil {
		return fmt.Errorf("sector: write header %d: %w", idx, err)
	}
	return nil
}

// probeChunk is the fixed stride of ScanWriteOffset's coarse forward
// probe, which runs before its linear entry-by-entry walk.
const probeChunk = 256

// ScanWriteOffset locates the first byte past the last committed entry
// in the sector starting at sectorAddr, i.e. where the next Set's Encode
// output should land. It first probes forward in fixed probeChunk-sized
// strides, stopping at the first probe point whose 4 bytes read as
// erased. It then walks entry headers linearly from the start of the
// data region, following real entry boundaries, until it reaches the
// erased tail. The returned offset comes from that walk alone; there is
// no binary halving, and the walk costs one header read per entry.
func ScanWriteOffset(dev flash.Device, geom flash.Geometry, sectorAddr uint32) (uint32, error) {
	limit := geom.SectorSize - HeaderSize
	probe := uint32(0)
	for probe < limit {
		step := uint32(probeChunk)
		if probe+step > limit {
			step = limit - probe
		}
		erased, err := IsErased(dev, sectorAddr+HeaderSize+probe, min32(4, step))
		if err != nil {
			return 0, err
		}
		if erased {
			break
		}
		probe += step
	}

	// probe now sits at the first erased-looking probe point (or at the
	// sector limit). The walk below does not depend on it: it starts at
	// the beginning of the data region and follows real entry boundaries,
	// so a probe landing mid-entry or on padding is never mistaken for the
	// log's end.
	offset := uint32(0)
	dataBase := sectorAddr + HeaderSize
	for offset < limit {
		hdrBuf := make([]byte, entry.HeaderSize)
		if err := dev.Read(dataBase+offset, hdrBuf); err != nil {
			return 0, err
		}
		allErased := true
		for _, b := range hdrBuf {
			if b != 0xFF {
				allErased = false
				break
			}
		}
		if allErased {
			return offset, nil
		}

		h, err := entry.DecodeHeader(hdrBuf)
		if err != nil {
			// Header bytes are garbled (e.g. a torn write mid-header);
			// treat this as the end of the usable log, matching the
			// reference scanner's fail-safe behavior of stopping rather
			// than guessing a size to skip.
			return offset, nil
		}
		size := h.AlignedSize(geom.Align)
		if size == 0 || offset+size > limit {
			return offset, nil
		}
		offset += size
	}
	return offset, nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
