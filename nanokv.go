// Package nanokv implements a log-structured, append-only key/value
// store over emulated NOR flash: a small ring of fixed-size erase
// sectors, entries that move through a bit-clearing state lattice as
// they commit, and background-free garbage collection that reclaims
// superseded entries by migrating survivors forward one sector at a
// time. It targets microcontroller-class storage (wear-levelled NOR
// parts that can only clear bits until erased) but runs equally well
// against a plain file or an in-memory buffer via the flash.Device
// interface, which is what this repository's tests and CLI use.
//
// The engine is single-writer and single-threaded by design (§5): no
// operation here takes a lock, starts a goroutine, or may be called
// concurrently with another from a second goroutine. Embedders that
// need concurrent access must serialize calls themselves.
package nanokv

import (
	"fmt"

	"github.com/nanokv/nanokv/cache"
	"github.com/nanokv/nanokv/entry"
	"github.com/nanokv/nanokv/flash"
	"github.com/nanokv/nanokv/memtable"
	"github.com/nanokv/nanokv/sector"
)

// reservedVersionKey is the key the version-sync mechanism (defaults.go)
// uses to detect a firmware/schema upgrade across boots.
const reservedVersionKey = "__nkv_ver__"

// indexEntry is the in-memory record of a live key's current location.
// The index is rebuilt from flash by Scan on every New and kept in sync
// by Set/Delete and the GC paths (driveGC's migrations, ensureSpace's
// forced reclaim); it is the authoritative structure find
// operations consult, the same role an in-memory index plays over an
// append-only WAL in a conventional LSM design. The per-key LFU cache in
// package cache sits in front of it purely as a hit-rate accelerator and
// is allowed to disagree transiently (e.g. be empty) without affecting
// correctness.
type indexEntry struct {
	pos    position
	addr   uint32
	keyLen uint8
	valLen uint8
}

// Options configures a new Instance. All fields have workable zero
// values except Device and Geometry, which callers must supply.
type Options struct {
	Device   flash.Device
	Geometry flash.Geometry

	// Logger receives lifecycle and error messages. Defaults to
	// NewStdLogger() when nil.
	Logger Logger

	// CacheSize is the capacity of the LFU address cache. Defaults to 4,
	// matching NKV_CACHE_SIZE in the reference configuration; the zero
	// value selects that default, so this field cannot turn the cache
	// off. The cache never changes read/write semantics, only hit rate.
	CacheSize int

	// SkipVerifyOnRead disables the CRC-16 recheck Get otherwise performs
	// on every read. Verification is on by default (the zero value keeps
	// it enabled); set this to true only when the caller has an
	// independent reason to trust the medium and wants the extra read
	// cost gone.
	SkipVerifyOnRead bool

	// GCThresholdPercent is the sector-ring fill percentage (0-100) past
	// which Set starts doing incremental GC work on the side of ordinary
	// writes, so a burst of writes doesn't arrive at a completely full
	// ring with no warning. Defaults to 70.
	GCThresholdPercent int

	// GCEntriesPerWrite is the number of live entries incremental GC
	// migrates per Set call once it has started (§4.6's "K-step
	// quantum"). Defaults to 2.
	GCEntriesPerWrite int

	// DefaultsVersion is the schema version SetDefaults' version sync
	// compares against the reserved "__nkv_ver__" key. It plays the role
	// of a compile-time constant bumped on firmware upgrade; defaults to 0.
	DefaultsVersion uint16
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = NewStdLogger()
	}
	if o.CacheSize == 0 {
		o.CacheSize = 4
	}
	if o.GCThresholdPercent == 0 {
		o.GCThresholdPercent = 70
	}
	if o.GCEntriesPerWrite == 0 {
		o.GCEntriesPerWrite = 2
	}
}

// Instance is one open NanoKV store. Create one with New.
type Instance struct {
	dev    flash.Device
	geom   flash.Geometry
	mgr    *sector.Manager
	log    Logger
	cache  *cache.LFU
	verify bool

	gcThresholdPercent int
	gcEntriesPerWrite  int
	gc                 gcCursor
	defaultsVersion    uint16

	index    map[string]indexEntry
	keys     *memtable.SkipList[string, struct{}] // secondary ordered index, mirrors index's key set
	tlv      map[uint8][]indexEntry                // per type tag, newest-last
	keep     map[uint8]int                          // TLV per-type retention (keep_count), 0 = unset/unbounded
	defaults map[string][]byte
	blooms   *sectorBlooms
}

// New opens an existing NanoKV volume. The device must already have
// been formatted by Format (possibly in a previous process); New scans
// it to rebuild the in-memory index and locate the active sector's
// write cursor.
func New(opts Options) (*Instance, error) {
	opts.setDefaults()
	if err := opts.Geometry.Validate(entry.MaxAlignedSize(opts.Geometry.Align)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	mgr, err := sector.Open(opts.Device, opts.Geometry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	in := &Instance{
		dev:                opts.Device,
		geom:               opts.Geometry,
		mgr:                mgr,
		log:                opts.Logger,
		cache:              cache.New(opts.CacheSize),
		verify:             !opts.SkipVerifyOnRead,
		gcThresholdPercent: opts.GCThresholdPercent,
		gcEntriesPerWrite:  opts.GCEntriesPerWrite,
		defaultsVersion:    opts.DefaultsVersion,
		index:              make(map[string]indexEntry),
		keys:               memtable.NewSkipListMemtable[string, struct{}](),
		tlv:                make(map[uint8][]indexEntry),
		keep:               make(map[uint8]int),
		defaults:           make(map[string][]byte),
		blooms:             newSectorBlooms(),
	}

	if err := in.scan(); err != nil {
		return nil, err
	}
	return in, nil
}

// Scan discards the in-memory index, TLV history, ordered-key index and
// sector bloom filters and rebuilds them from the device from scratch.
// New already does this once on open; callers only need to invoke Scan
// directly if the underlying flash.Device was mutated out from under a
// live Instance (restoring a backup onto the same device handle, for
// instance).
func (in *Instance) Scan() error {
	in.index = make(map[string]indexEntry)
	in.keys = memtable.NewSkipListMemtable[string, struct{}]()
	in.tlv = make(map[uint8][]indexEntry)
	in.blooms = newSectorBlooms()
	in.cache.Clear()

	mgr, err := sector.Open(in.dev, in.geom)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	in.mgr = mgr

	return in.scan()
}

// Format erases every sector of opts.Device and opens a fresh, empty
// Instance on it. Any prior contents are discarded.
func Format(opts Options) (*Instance, error) {
	opts.setDefaults()
	if err := opts.Geometry.Validate(entry.MaxAlignedSize(opts.Geometry.Align)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := sector.Format(opts.Device, opts.Geometry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlash, err)
	}
	return New(opts)
}

// scan walks every sector in sequence order (oldest seq first) and
// replays every VALID or PRE_DEL entry into the in-memory index, letting
// later writes (by position) overwrite earlier ones for the same key.
// WRITING entries are treated as not-yet-committed and ignored, which is
// exactly the heal-on-boot behavior a torn write needs: if the power
// failed between programming the payload and patching the state to
// VALID, the entry simply never existed as far as any reader is
// concerned.
func (in *Instance) scan() error {
	type sectorOrder struct {
		idx uint8
		seq uint16
	}
	order := make([]sectorOrder, 0, in.geom.SectorCount)
	for i := uint8(0); i < in.geom.SectorCount; i++ {
		order = append(order, sectorOrder{idx: i, seq: in.mgr.Seq(i)})
	}
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			if sector.SeqNewer(order[j].seq, order[i].seq) {
				order[i], order[j] = order[j], order[i]
			}
		}
	}
	// order is now newest-first; replay oldest-first so newer positions
	// naturally win ties via position.newerThan.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	for _, so := range order {
		erased, err := sector.IsErased(in.dev, in.geom.SectorAddr(so.idx), in.geom.SectorSize)
		if err != nil {
			return err
		}
		if erased {
			continue
		}
		limit := in.geom.SectorSize - sector.HeaderSize
		if so.idx == in.mgr.Active() {
			limit = in.mgr.WriteAddr() - (in.geom.SectorAddr(so.idx) + sector.HeaderSize)
		}
		if err := in.replaySector(so.idx, so.seq, limit); err != nil {
			return err
		}
	}
	return nil
}

func (in *Instance) replaySector(idx uint8, seq uint16, limit uint32) error {
	base := in.geom.SectorAddr(idx) + sector.HeaderSize
	offset := uint32(0)
	for offset < limit {
		hdrBuf := make([]byte, entry.HeaderSize)
		if err := in.dev.Read(base+offset, hdrBuf); err != nil {
			return err
		}
		if allFF(hdrBuf) {
			break
		}
		h, err := entry.DecodeHeader(hdrBuf)
		if err != nil {
			in.log.Errorf("sector %d offset %d: corrupt header, stopping replay", idx, offset)
			break
		}
		size := h.AlignedSize(in.geom.Align)
		if size == 0 || offset+size > limit {
			break
		}

		payload := make([]byte, int(h.KeyLen)+int(h.ValLen)+entry.CRCSize)
		if err := in.dev.Read(base+offset+entry.HeaderSize, payload); err != nil {
			return err
		}

		if h.State == entry.StateValid || h.State == entry.StatePreDel {
			rec, err := entry.DecodeRecord(h, payload)
			if err == nil {
				pos := position{sectorIdx: idx, seq: seq, offset: offset}
				ie := indexEntry{pos: pos, addr: base + offset, keyLen: h.KeyLen, valLen: h.ValLen}
				if h.KeyLen == 0 {
					in.replayTLV(rec, ie)
				} else {
					in.replayKV(string(rec.Key), ie)
				}
			}
		}

		offset += size
	}
	return nil
}

func (in *Instance) replayKV(key string, ie indexEntry) {
	if cur, ok := in.index[key]; !ok || ie.pos.newerThan(cur.pos) {
		if _, existed := in.index[key]; !existed {
			in.keys.Put(key, struct{}{})
		}
		in.index[key] = ie
	}
	in.blooms.add(ie.pos.sectorIdx, key)
}

func allFF(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func (in *Instance) readHeaderAt(addr uint32) (entry.Header, error) {
	buf := make([]byte, entry.HeaderSize)
	if err := in.dev.Read(addr, buf); err != nil {
		return entry.Header{}, fmt.Errorf("%w: %v", ErrFlash, err)
	}
	h, err := entry.DecodeHeader(buf)
	if err != nil {
		return entry.Header{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return h, nil
}

func (in *Instance) readRecordAt(addr uint32, h entry.Header) (entry.Record, error) {
	buf := make([]byte, int(h.KeyLen)+int(h.ValLen)+entry.CRCSize)
	if err := in.dev.Read(addr+entry.HeaderSize, buf); err != nil {
		return entry.Record{}, fmt.Errorf("%w: %v", ErrFlash, err)
	}
	if in.verify && !entry.VerifyCRC(h, buf) {
		return entry.Record{}, ErrCRC
	}
	return entry.DecodeRecord(h, buf)
}

// patchState reprograms the 2-byte state field of the entry at addr.
// The program covers one whole alignment unit, as Device.Program
// requires: the bytes after the state field are read back first and
// programmed unchanged, so only the state bits move. Because every legal
// transition only clears bits, this is always a valid in-place NOR
// program regardless of what else has happened to the sector since the
// entry was first written.
func (in *Instance) patchState(addr uint32, next entry.State) error {
	buf := make([]byte, in.geom.AlignUp(2))
	if err := in.dev.Read(addr, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}
	buf[0], buf[1] = byte(next), byte(next>>8)
	if err := in.dev.Program(addr, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}
	return nil
}

// Set writes value for key, superseding any previous value. It
// implements the staged commit protocol described in §4.3: the old
// entry (if any) is marked PRE_DEL before the new one is written, so a
// crash at any point between these steps leaves exactly one entry
// visible to a reader on the next boot.
func (in *Instance) Set(key string, value []byte) error {
	if len(key) == 0 || len(key) > entry.MaxKeyLen {
		return fmt.Errorf("%w: key length %d out of range", ErrInvalid, len(key))
	}
	if len(value) > entry.MaxValueLen {
		return fmt.Errorf("%w: value length %d exceeds max %d", ErrInvalid, len(value), entry.MaxValueLen)
	}

	old, hadOld := in.index[key]
	if hadOld {
		if err := in.patchState(old.addr, entry.StatePreDel); err != nil {
			return err
		}
	}

	if err := in.ensureSpace(entry.Header{KeyLen: uint8(len(key)), ValLen: uint8(len(value))}.AlignedSize(in.geom.Align)); err != nil {
		return err
	}

	// ensureSpace may have reclaimed the sector old.addr lived in
	// (possible when that sector was the next one in the ring): switching
	// into it erased it, PRE_DEL marker included, and gave it a new header
	// and seq, so old.addr may now hold a rewritten survivor or free space
	// the new entry is about to use. A changed seq detects that, and the
	// address is then not re-patched. Otherwise the sector still carries
	// the seq old was written under; its bloom filter settles this without
	// a flash read when it claims the key, and an erased-sector check
	// covers the rest.
	if hadOld {
		sectorOfOld := uint8((old.addr - in.geom.Base) / in.geom.SectorSize)
		if in.mgr.Seq(sectorOfOld) != old.pos.seq {
			hadOld = false
		} else if in.blooms.definitelyPresent(sectorOfOld, key) {
			// Filter evidence already proves the sector survived; skip
			// the flash read entirely.
		} else if erased, err := sector.IsErased(in.dev, in.geom.SectorAddr(sectorOfOld), in.geom.SectorSize); err != nil {
			return fmt.Errorf("%w: %v", ErrFlash, err)
		} else if erased {
			hadOld = false
		}
	}

	buf, err := entry.Encode([]byte(key), value, in.geom.Align)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	addr := in.mgr.WriteAddr()
	if err := in.dev.Program(addr, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}
	if err := in.patchState(addr, entry.StateValid); err != nil {
		return err
	}
	sectorIdx, seq := in.mgr.Active(), in.mgr.Seq(in.mgr.Active())
	offset := addr - (in.geom.SectorAddr(sectorIdx) + sector.HeaderSize)
	in.mgr.Advance(uint32(len(buf)))

	if hadOld {
		if err := in.patchState(old.addr, entry.StateDeleted); err != nil {
			return err
		}
	}

	if !hadOld {
		in.keys.Put(key, struct{}{})
	}
	in.index[key] = indexEntry{
		pos:    position{sectorIdx: sectorIdx, seq: seq, offset: offset},
		addr:   addr,
		keyLen: uint8(len(key)),
		valLen: uint8(len(value)),
	}
	in.cache.Update(key, addr)
	in.blooms.add(sectorIdx, key)
	return in.runGCQuantum()
}

// Get returns the current value for key, or ErrNotFound if it has never
// been set or has been deleted.
func (in *Instance) Get(key string) ([]byte, error) {
	addr, err := in.locate(key)
	if err != nil {
		return nil, err
	}
	h, err := in.readHeaderAt(addr)
	if err != nil {
		return nil, err
	}
	rec, err := in.readRecordAt(addr, h)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

func (in *Instance) locate(key string) (uint32, error) {
	if addr, ok := in.cache.Lookup(key); ok {
		if ie, ok := in.index[key]; ok && ie.addr == addr {
			return addr, nil
		}
	}
	ie, ok := in.index[key]
	if !ok {
		return 0, ErrNotFound
	}
	in.cache.Update(key, ie.addr)
	return ie.addr, nil
}

// Exists reports whether key currently has a live value, without
// reading or CRC-checking its payload.
func (in *Instance) Exists(key string) bool {
	_, ok := in.index[key]
	return ok
}

// Delete removes key. It is a no-op error (ErrNotFound) if the key is
// not currently set. Like Set, deletion goes through the PRE_DEL
// intermediate state so a crash mid-delete still leaves a well-defined
// answer on the next boot: PRE_DEL is visible until DELETED commits.
func (in *Instance) Delete(key string) error {
	ie, ok := in.index[key]
	if !ok {
		return ErrNotFound
	}
	if err := in.patchState(ie.addr, entry.StatePreDel); err != nil {
		return err
	}
	if err := in.patchState(ie.addr, entry.StateDeleted); err != nil {
		return err
	}
	delete(in.index, key)
	in.keys.Delete(key)
	in.cache.Invalidate(key)
	return nil
}

// Keys returns every currently live key in ascending lexical order. It is
// backed by a secondary skip-list index kept in sync alongside the
// authoritative hash map, so it costs a single ordered walk rather than
// sorting the whole keyspace on every call.
func (in *Instance) Keys() []string {
	return in.keys.Keys()
}

// Usage reports how full the sector ring currently is.
type Usage struct {
	SectorCount  uint8
	SectorSize   uint32
	FreeSectors  int
	ActiveSector uint8
	// BytesUsed is how much of the active sector's data region has been
	// written, not a count of live bytes across the whole ring: a
	// sector can be entirely full of superseded, not-yet-reclaimed
	// entries without that space showing up here until GC catches up.
	BytesUsed     uint32
	BytesCapacity uint32
}

// Usage returns a snapshot of ring occupancy.
func (in *Instance) Usage() (Usage, error) {
	free, err := in.mgr.FreeSectorCount()
	if err != nil {
		return Usage{}, fmt.Errorf("%w: %v", ErrFlash, err)
	}
	return Usage{
		SectorCount:   in.geom.SectorCount,
		SectorSize:    in.geom.SectorSize,
		FreeSectors:   free,
		ActiveSector:  in.mgr.Active(),
		BytesUsed:     in.geom.SectorSize - sector.HeaderSize - in.mgr.SpaceRemaining(),
		BytesCapacity: in.geom.Total(),
	}, nil
}

// CacheStats returns the LFU address cache's running hit/miss counters.
func (in *Instance) CacheStats() cache.Stats { return in.cache.Stats() }

// CacheClear empties the LFU address cache. It never affects
// correctness, only hit rate on subsequent lookups.
func (in *Instance) CacheClear() { in.cache.Clear() }
