package flash

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/natefinch/atomic"
)

// FileDevice is a Device backed by a single regular file, standing in
// for a NOR partition when the engine runs as a demo or integration
// test on a normal filesystem instead of real hardware. Like
// segmentmanager.diskSegmentManager in the teacher repository, it keeps
// one *os.File open for the lifetime of the device and serializes
// access to it with a mutex (the engine itself is single-threaded per
// §5, but nothing stops an embedder from sharing one FileDevice handle
// across goroutines for, say, a concurrent read during a background
// erase test).
type FileDevice struct {
	mu   sync.Mutex
	geom Geometry
	f    *os.File
}

// OpenFileDevice opens (creating if necessary) a file at path sized to
// hold geom.Total() bytes. A freshly created image is provisioned in
// one atomic rename via natefinch/atomic so a crash mid-creation can
// never leave scan() looking at a half-written image — every sector
// program after that point goes through Program, which preserves NOR
// bit-clearing semantics in place.
func OpenFileDevice(path string, geom Geometry) (*FileDevice, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("flash: stat %s: %w", path, err)
		}
		blank := bytes.Repeat([]byte{0xFF}, int(geom.Total()))
		if err := atomic.WriteFile(path, bytes.NewReader(blank)); err != nil {
			return nil, fmt.Errorf("flash: provision %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flash: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flash: stat %s: %w", path, err)
	}
	if uint32(info.Size()) != geom.Total() {
		f.Close()
		return nil, fmt.Errorf("flash: %s is %d bytes, expected %d for this geometry", path, info.Size(), geom.Total())
	}

	return &FileDevice{geom: geom, f: f}, nil
}

func (d *FileDevice) Geometry() Geometry { return d.geom }

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

func (d *FileDevice) Read(addr uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.ReadAt(buf, int64(addr-d.geom.Base))
	if err != nil {
		return fmt.Errorf("flash: read at %d: %w", addr, err)
	}
	return nil
}

func (d *FileDevice) Program(addr uint32, buf []byte) error {
	if uint32(len(buf))%uint32(d.geom.Align) != 0 || addr%uint32(d.geom.Align) != 0 {
		return fmt.Errorf("flash: program at %d len %d violates alignment %d", addr, len(buf), d.geom.Align)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cur := make([]byte, len(buf))
	if _, err := d.f.ReadAt(cur, int64(addr-d.geom.Base)); err != nil {
		return fmt.Errorf("flash: program read-check at %d: %w", addr, err)
	}
	for i, b := range buf {
		if cur[i]&b != b {
			return fmt.Errorf("flash: program at %d would set a cleared bit (NOR violation)", addr+uint32(i))
		}
	}

	if _, err := d.f.WriteAt(buf, int64(addr-d.geom.Base)); err != nil {
		return fmt.Errorf("flash: program at %d: %w", addr, err)
	}
	return d.f.Sync()
}

func (d *FileDevice) Erase(sectorAddr uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	blank := bytes.Repeat([]byte{0xFF}, int(d.geom.SectorSize))
	if _, err := d.f.WriteAt(blank, int64(sectorAddr-d.geom.Base)); err != nil {
		return fmt.Errorf("flash: erase at %d: %w", sectorAddr, err)
	}
	return d.f.Sync()
}
