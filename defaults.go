package nanokv

import "encoding/binary"

// Default is one registered key/value pair in a defaults table passed to
// SetDefaults.
type Default struct {
	Key   string
	Value []byte
}

// SetDefaults registers the fallback values GetDefault and FindDefault
// return for keys that have never been written, and runs version sync:
// the reserved key "__nkv_ver__" records the last schema version these
// defaults were applied under, which is the Instance's defaultsVersion
// (Options.DefaultsVersion), a compile-time constant on real firmware
// rather than something a caller passes per call. If the stored version
// doesn't match defaultsVersion (including the very first boot, where
// the key doesn't exist at all), every default whose key isn't already
// present on the volume is written, and the reserved key is updated —
// mirroring nkv_sync_version's "apply defaults once per firmware
// upgrade" behavior.
func (in *Instance) SetDefaults(table []Default) error {
	for _, d := range table {
		in.defaults[d.Key] = d.Value
	}
	return in.syncVersion(in.defaultsVersion)
}

func (in *Instance) syncVersion(version uint16) error {
	stored, err := in.Get(reservedVersionKey)
	if err == nil && len(stored) == 2 && binary.LittleEndian.Uint16(stored) == version {
		return nil
	}
	if err != nil && err != ErrNotFound {
		return err
	}

	for k, v := range in.defaults {
		if in.Exists(k) {
			continue
		}
		if err := in.Set(k, v); err != nil {
			return err
		}
	}

	verBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(verBuf, version)
	return in.Set(reservedVersionKey, verBuf)
}

// GetDefault returns key's current value if it has been set, or its
// registered default if not. It returns ErrNotFound only if key has
// neither a live value nor a registered default.
func (in *Instance) GetDefault(key string) ([]byte, error) {
	if v, err := in.Get(key); err == nil {
		return v, nil
	} else if err != ErrNotFound {
		return nil, err
	}
	if d, ok := in.defaults[key]; ok {
		return d, nil
	}
	return nil, ErrNotFound
}

// FindDefault is GetDefault without the error-as-control-flow: it
// reports ok=false instead of ErrNotFound, for callers that would rather
// branch on a bool.
func (in *Instance) FindDefault(key string) (Default, bool) {
	v, err := in.GetDefault(key)
	if err != nil {
		return Default{}, false
	}
	return Default{Key: key, Value: v}, true
}

// ResetKey writes key's registered default as its live value, so the
// next Get returns the default. A key with no registered default has its
// live value deleted instead; it is not an error to reset such a key
// that was never set.
func (in *Instance) ResetKey(key string) error {
	if d, ok := in.defaults[key]; ok {
		return in.Set(key, d)
	}
	err := in.Delete(key)
	if err == ErrNotFound {
		return nil
	}
	return err
}

// ResetAll resets every key that currently has a registered default.
func (in *Instance) ResetAll() error {
	for k := range in.defaults {
		if err := in.ResetKey(k); err != nil {
			return err
		}
	}
	return nil
}
