package flash

import "fmt"

// MemDevice is an in-RAM Device enforcing the same bit-clear-only
// program semantics a real NOR part would. It is the device every unit
// test and property test in this repository runs against: it is fast,
// it is deterministic, and its Truncate method, which resets every byte
// from a given address onward to 0xFF, lets tests simulate power loss
// mid-entry (see TestPowerFailDuringWriteIsInvisibleAfterRescan in the
// root package).
type MemDevice struct {
	geom Geometry
	data []byte
}

// NewMemDevice allocates a MemDevice of the given geometry, fully erased
// (all 0xFF), mirroring a factory-fresh flash part.
func NewMemDevice(geom Geometry) *MemDevice {
	d := &MemDevice{geom: geom, data: make([]byte, geom.Total())}
	for i := range d.data {
		d.data[i] = 0xFF
	}
	return d
}

func (d *MemDevice) Geometry() Geometry { return d.geom }

func (d *MemDevice) offset(addr uint32, n int) (int, error) {
	if addr < d.geom.Base || addr+uint32(n) > d.geom.Base+d.geom.Total() {
		return 0, fmt.Errorf("mem device: access [%d, %d) out of range", addr, addr+uint32(n))
	}
	return int(addr - d.geom.Base), nil
}

func (d *MemDevice) Read(addr uint32, buf []byte) error {
	off, err := d.offset(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, d.data[off:off+len(buf)])
	return nil
}

func (d *MemDevice) Program(addr uint32, buf []byte) error {
	if uint32(len(buf))%uint32(d.geom.Align) != 0 || addr%uint32(d.geom.Align) != 0 {
		return fmt.Errorf("mem device: program at %d len %d violates alignment %d", addr, len(buf), d.geom.Align)
	}
	off, err := d.offset(addr, len(buf))
	if err != nil {
		return err
	}
	for i, b := range buf {
		cur := d.data[off+i]
		if cur&b != b {
			return fmt.Errorf("mem device: program at %d would set a cleared bit (NOR violation)", addr+uint32(i))
		}
		d.data[off+i] = b
	}
	return nil
}

func (d *MemDevice) Erase(sectorAddr uint32) error {
	off, err := d.offset(sectorAddr, int(d.geom.SectorSize))
	if err != nil {
		return err
	}
	if (sectorAddr-d.geom.Base)%d.geom.SectorSize != 0 {
		return fmt.Errorf("mem device: erase address %d is not sector-aligned", sectorAddr)
	}
	for i := off; i < off+int(d.geom.SectorSize); i++ {
		d.data[i] = 0xFF
	}
	return nil
}

// Truncate simulates a power loss partway through a write stream: every
// byte at or after addr is reset to 0xFF (as if the program that would
// have written it never completed). It exists only for the power-fail
// property tests; no real NOR device would expose this.
func (d *MemDevice) Truncate(addr uint32) {
	off, err := d.offset(addr, 0)
	if err != nil {
		return
	}
	for i := off; i < len(d.data); i++ {
		d.data[i] = 0xFF
	}
}

// Snapshot returns a copy of the raw backing bytes, for feeding into a
// fresh MemDevice to simulate "the same flash, reloaded after a reboot".
func (d *MemDevice) Snapshot() []byte {
	out := make([]byte, len(d.data))
	copy(out, d.data)
	return out
}

// NewMemDeviceFromSnapshot rebuilds a MemDevice from bytes previously
// returned by Snapshot, standing in for rebooting with the same flash
// contents still on the part.
func NewMemDeviceFromSnapshot(geom Geometry, snapshot []byte) *MemDevice {
	d := &MemDevice{geom: geom, data: make([]byte, geom.Total())}
	copy(d.data, snapshot)
	return d
}
