package nanokv

import (
	"fmt"

	"github.com/nanokv/nanokv/archive"
)

// Backup reads the entire managed flash partition and appends it as one
// snapshot to the rotating archive directory dir, creating it if needed.
// It is meant for offline/out-of-band use (a maintenance window, a
// cron-style backup task) rather than the hot write path: it reads every
// byte of the partition regardless of how much of it is live.
func (in *Instance) Backup(dir string) error {
	image := make([]byte, in.geom.Total())
	if err := in.dev.Read(in.geom.Base, image); err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}

	w, err := archive.NewWriter(dir)
	if err != nil {
		return fmt.Errorf("backup: open archive dir %s: %w", dir, err)
	}
	defer w.Close()

	if err := w.WriteSnapshot(image); err != nil {
		return fmt.Errorf("backup: write snapshot: %w", err)
	}
	return nil
}

// Restore reloads a flash image from the archive directory dir, writing
// the bytes of the last snapshot appended to segment segmentID directly
// onto opts.Device, then opening a fresh Instance on it. It is a plain
// function rather than a method; callers typically call this against a
// blank device to recover a prior backup.
func Restore(opts Options, dir string, segmentID int) (*Instance, error) {
	snaps, err := archive.ReadSnapshots(dir, segmentID)
	if err != nil {
		return nil, fmt.Errorf("restore: read archive: %w", err)
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: archive segment %d has no snapshots", ErrNotFound, segmentID)
	}
	image := snaps[len(snaps)-1]

	for i := uint8(0); i < opts.Geometry.SectorCount; i++ {
		addr := opts.Geometry.SectorAddr(i)
		if err := opts.Device.Erase(addr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFlash, err)
		}
		if err := opts.Device.Program(addr, image[addr-opts.Geometry.Base:addr-opts.Geometry.Base+opts.Geometry.SectorSize]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFlash, err)
		}
	}
	return New(opts)
}
