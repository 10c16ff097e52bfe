package sector

import (
	"fmt"

	"github.com/nanokv/nanokv/flash"
)

// Manager owns the ring of sectors backing one flash device: which one
// is active, its current write cursor, and the bookkeeping needed to
// roll over to the next sector once the active one fills up or a
// compaction pass needs somewhere to write migrated entries. It plays
// the role segmentmanager.DiskSegmentManager plays in the teacher
// repository, but rotates fixed NOR sectors with sequence-numbered
// headers instead of numbered on-disk log files.
type Manager struct {
	dev  flash.Device
	geom flash.Geometry

	active   uint8
	writeOff uint32
	seqs     []uint16
	seqValid []bool
}

// Open scans every sector's header, determines which one is active (the
// valid header with the newest sequence number under wraparound
// comparison), and locates that sector's write cursor. It does not
// format anything; callers with an unformatted device should call
// Format first.
func Open(dev flash.Device, geom flash.Geometry) (*Manager, error) {
	m := &Manager{
		dev:      dev,
		geom:     geom,
		seqs:     make([]uint16, geom.SectorCount),
		seqValid: make([]bool, geom.SectorCount),
	}
	if err := m.rescan(); err != nil {
		return nil, err
	}
	return m, nil
}

// Format erases every sector and writes a header (seq 1) to sector 0
// only, leaving sector 0 active with an empty log and every other sector
// erased and free. It is the sector-layer half of the root package's
// Format operation.
func Format(dev flash.Device, geom flash.Geometry) (*Manager, error) {
	for i := uint8(0); i < geom.SectorCount; i++ {
		if err := dev.Erase(geom.SectorAddr(i)); err != nil {
			return nil, fmt.Errorf("sector: erase %d: %w", i, err)
		}
	}
	if err := WriteHeader(dev, geom, 0, 1); err != nil {
		return nil, err
	}
	return Open(dev, geom)
}

func (m *Manager) rescan() error {
	best := -1
	for i := uint8(0); i < m.geom.SectorCount; i++ {
		h, err := ReadHeader(m.dev, m.geom, i)
		if err != nil {
			return err
		}
		if !h.IsValid() {
			m.seqValid[i] = false
			continue
		}
		m.seqValid[i] = true
		m.seqs[i] = h.Seq
		if best == -1 || SeqNewer(h.Seq, m.seqs[uint8(best)]) {
			best = int(i)
		}
	}
	if best == -1 {
		return fmt.Errorf("sector: no valid sector header found; device needs Format")
	}
	m.active = uint8(best)

	off, err := ScanWriteOffset(m.dev, m.geom, m.geom.SectorAddr(m.active))
	if err != nil {
		return err
	}
	m.writeOff = off
	return nil
}

// Active returns the index of the currently active sector.
func (m *Manager) Active() uint8 { return m.active }

// ActiveAddr returns the base address of the active sector.
func (m *Manager) ActiveAddr() uint32 { return m.geom.SectorAddr(m.active) }

// WriteAddr returns the address the next entry should be programmed at.
func (m *Manager) WriteAddr() uint32 { return m.ActiveAddr() + HeaderSize + m.writeOff }

// SpaceRemaining returns how many bytes are left in the active sector's
// data region before it is full.
func (m *Manager) SpaceRemaining() uint32 {
	return m.geom.SectorSize - HeaderSize - m.writeOff
}

// Advance moves the write cursor forward by n bytes after a successful
// Program of an n-byte (already aligned) entry.
func (m *Manager) Advance(n uint32) {
	m.writeOff += n
}

// NextSector returns the sector index that would become active if the
// ring rotated forward from the current active sector.
func (m *Manager) NextSector() uint8 {
	return (m.active + 1) % m.geom.SectorCount
}

// SectorCount returns the number of sectors in the ring.
func (m *Manager) SectorCount() uint8 { return m.geom.SectorCount }

// FreeSectorCount reports how many sectors are fully erased (never
// written since their last erase), which the incremental and bulk
// garbage collectors use to decide whether a collection pass is needed.
func (m *Manager) FreeSectorCount() (int, error) {
	free := 0
	for i := uint8(0); i < m.geom.SectorCount; i++ {
		erased, err := IsErased(m.dev, m.geom.SectorAddr(i), m.geom.SectorSize)
		if err != nil {
			return 0, err
		}
		if erased {
			free++
		}
	}
	return free, nil
}

// SwitchToNext erases and formats the sector following the active one
// with seq+1, then makes it active with an empty log. Callers must have
// already saved every live entry held in that next sector, since the
// erase destroys it (the root engine's ensureSpace collects them into
// memory before calling SwitchToNext and rewrites them afterward);
// Manager itself does not know which entries are live.
func (m *Manager) SwitchToNext() error {
	next := m.NextSector()
	newSeq := m.seqs[m.active] + 1
	if err := WriteHeader(m.dev, m.geom, next, newSeq); err != nil {
		return err
	}
	m.seqs[next] = newSeq
	m.seqValid[next] = true
	m.active = next
	m.writeOff = 0
	return nil
}

// SectorAddr exposes the underlying geometry's sector addressing so
// callers that need to read raw sector contents (e.g. compaction scans)
// don't need their own copy of Geometry.
func (m *Manager) SectorAddr(idx uint8) uint32 { return m.geom.SectorAddr(idx) }

// Geometry returns the flash geometry this manager was opened with.
func (m *Manager) Geometry() flash.Geometry { return m.geom }

// Seq returns the last-known sequence number of sector idx.
func (m *Manager) Seq(idx uint8) uint16 { return m.seqs[idx] }
