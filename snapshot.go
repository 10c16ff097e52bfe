package nanokv

import (
	"fmt"

	"github.com/nanokv/nanokv/export"
)

// ExportSnapshot writes every currently live key/value pair to a
// read-optimized export file at path: sorted data blocks, a sparse
// index, and a bloom filter, usable by tooling that wants to inspect or
// ship a point-in-time view of the keyspace without linking against a
// flash.Device at all. It walks keys in the order Keys() returns them,
// which satisfies the writer's ascending-key requirement.
func (in *Instance) ExportSnapshot(path string) error {
	keys := in.Keys()
	w, err := export.NewWriter(path, uint(len(keys)))
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	for _, key := range keys {
		value, err := in.Get(key)
		if err != nil {
			w.Close()
			return fmt.Errorf("export: read %q: %w", key, err)
		}
		if err := w.Put([]byte(key), value); err != nil {
			w.Close()
			return fmt.Errorf("export: write %q: %w", key, err)
		}
	}
	return w.Close()
}
