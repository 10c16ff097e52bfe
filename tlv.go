package nanokv

import (
	"fmt"

	"github.com/nanokv/nanokv/entry"
	"github.com/nanokv/nanokv/sector"
)

// TLV records share the KV wire format entirely: key_len is written as
// 0 and the first byte of the value carries a type tag, with the
// remaining bytes as payload. This lets a single log hold both named
// settings and typed, history-bearing telemetry samples without a
// second on-flash format. Unlike ordinary keys, a TLV type keeps a
// bounded backlog of its most recent writes instead of being
// immediately superseded, which is what TLVGetHistory reads back.
const maxTLVHistory = 32

// TLVSet appends a new value for typeTag, keeping it alongside (rather
// than instead of) whatever history already exists for that type, up to
// its retention limit (TLVSetRetention) or the hard cap of 32 entries.
// Type tag 0 is reserved and rejected with ErrInvalid.
func (in *Instance) TLVSet(typeTag uint8, payload []byte) error {
	if typeTag == 0 {
		return fmt.Errorf("%w: tlv type 0 is reserved", ErrInvalid)
	}
	value := make([]byte, 1+len(payload))
	value[0] = typeTag
	copy(value[1:], payload)
	if len(value) > entry.MaxValueLen {
		return fmt.Errorf("%w: tlv payload length %d exceeds max %d", ErrInvalid, len(payload), entry.MaxValueLen-1)
	}

	if err := in.ensureSpace(entry.Header{ValLen: uint8(len(value))}.AlignedSize(in.geom.Align)); err != nil {
		return err
	}

	buf, err := entry.Encode(nil, value, in.geom.Align)
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

	ie := indexEntry{
		pos:    position{sectorIdx: sectorIdx, seq: seq, offset: offset},
		addr:   addr,
		keyLen: 0,
		valLen: uint8(len(value)),
	}
	in.tlv[typeTag] = append(in.tlv[typeTag], ie)
	in.blooms.add(sectorIdx, tlvBloomKey(typeTag))
	if err := in.enforceRetention(typeTag); err != nil {
		return err
	}
	return in.runGCQuantum()
}

// retentionLimit returns the effective cap on how many history entries
// typeTag may retain: its explicit TLVSetRetention value if one was
// configured, otherwise the system-wide hard cap.
func (in *Instance) retentionLimit(typeTag uint8) int {
	if n, ok := in.keep[typeTag]; ok && n > 0 && n < maxTLVHistory {
		return n
	}
	return maxTLVHistory
}

// enforceRetention retires the oldest entries of typeTag once its
// backlog exceeds retentionLimit. The threshold is the length computed
// right here, before any GC pass has a chance to touch the sector these
// entries live in — resolving §9's open question about exactly when a
// per-type keep_count is evaluated relative to compaction by always
// evaluating it synchronously at write time rather than lazily during a
// GC scan.
func (in *Instance) enforceRetention(typeTag uint8) error {
	limit := in.retentionLimit(typeTag)
	list := in.tlv[typeTag]
	for len(list) > limit {
		victim := list[0]
		if err := in.patchState(victim.addr, entry.StatePreDel); err != nil {
			return err
		}
		if err := in.patchState(victim.addr, entry.StateDeleted); err != nil {
			return err
		}
		list = list[1:]
	}
	in.tlv[typeTag] = list
	return nil
}

// TLVGet returns the most recently written payload for typeTag (the
// type tag byte stripped off), or ErrNotFound if nothing has ever been
// written for it.
func (in *Instance) TLVGet(typeTag uint8) ([]byte, error) {
	list := in.tlv[typeTag]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return in.readTLVPayload(list[len(list)-1])
}

// TLVExists reports whether typeTag currently has any live value.
func (in *Instance) TLVExists(typeTag uint8) bool {
	return len(in.tlv[typeTag]) > 0
}

// TLVHasData is an alias for TLVExists, matching the reference API's
// nkv_tlv_has_data naming for callers porting code from it.
func (in *Instance) TLVHasData(typeTag uint8) bool { return in.TLVExists(typeTag) }

// TLVDelete clears typeTag's current value and its entire history.
func (in *Instance) TLVDelete(typeTag uint8) error {
	list := in.tlv[typeTag]
	if len(list) == 0 {
		return ErrNotFound
	}
	for _, ie := range list {
		if err := in.patchState(ie.addr, entry.StatePreDel); err != nil {
			return err
		}
		if err := in.patchState(ie.addr, entry.StateDeleted); err != nil {
			return err
		}
	}
	delete(in.tlv, typeTag)
	return nil
}

// TLVGetHistory returns up to maxTLVHistory payloads for typeTag,
// newest first.
func (in *Instance) TLVGetHistory(typeTag uint8) ([][]byte, error) {
	list := in.tlv[typeTag]
	out := make([][]byte, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		payload, err := in.readTLVPayload(list[i])
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, nil
}

// TLVReadHistory returns the idx-th newest payload for typeTag (0 is the
// current value), or ErrNotFound if idx is out of range.
func (in *Instance) TLVReadHistory(typeTag uint8, idx int) ([]byte, error) {
	list := in.tlv[typeTag]
	pos := len(list) - 1 - idx
	if idx < 0 || pos < 0 {
		return nil, ErrNotFound
	}
	return in.readTLVPayload(list[pos])
}

func (in *Instance) readTLVPayload(ie indexEntry) ([]byte, error) {
	h, err := in.readHeaderAt(ie.addr)
	if err != nil {
		return nil, err
	}
	rec, err := in.readRecordAt(ie.addr, h)
	if err != nil {
		return nil, err
	}
	if len(rec.Value) == 0 {
		return nil, fmt.Errorf("%w: tlv entry at %d has empty value", ErrInvalid, ie.addr)
	}
	return rec.Value[1:], nil
}

// TLVSetRetention bounds typeTag's history to at most keepCount entries
// (clamped to the system-wide hard cap), retiring any existing backlog
// beyond that immediately.
func (in *Instance) TLVSetRetention(typeTag uint8, keepCount int) error {
	if keepCount <= 0 {
		return fmt.Errorf("%w: keepCount must be positive", ErrInvalid)
	}
	in.keep[typeTag] = keepCount
	return in.enforceRetention(typeTag)
}

// TLVClearRetention removes any explicit retention cap for typeTag,
// falling back to the system-wide hard cap of 32.
func (in *Instance) TLVClearRetention(typeTag uint8) {
	delete(in.keep, typeTag)
}

// TLVStats returns, for every type tag with at least one live entry,
// how many history entries it currently retains.
func (in *Instance) TLVStats() map[uint8]int {
	out := make(map[uint8]int, len(in.tlv))
	for tag, list := range in.tlv {
		if len(list) > 0 {
			out[tag] = len(list)
		}
	}
	return out
}

// TLVIterator walks every type tag currently holding live data, in an
// unspecified but stable-for-the-life-of-the-iterator order.
type TLVIterator struct {
	tags []uint8
	i    int
}

// TLVIterate returns an iterator over every type tag with live data.
func (in *Instance) TLVIterate() *TLVIterator {
	tags := make([]uint8, 0, len(in.tlv))
	for tag, list := range in.tlv {
		if len(list) > 0 {
			tags = append(tags, tag)
		}
	}
	return &TLVIterator{tags: tags}
}

// Next advances the iterator, returning the next type tag and true, or
// 0 and false once exhausted.
func (it *TLVIterator) Next() (uint8, bool) {
	if it.i >= len(it.tags) {
		return 0, false
	}
	tag := it.tags[it.i]
	it.i++
	return tag, true
}

// replayTLV is called from scan for every visible zero-key-length
// record, inserting it into typeTag's history list in position order.
func (in *Instance) replayTLV(rec entry.Record, ie indexEntry) {
	if len(rec.Value) == 0 {
		return
	}
	typeTag := rec.Value[0]
	list := in.tlv[typeTag]

	insertAt := len(list)
	for i, existing := range list {
		if existing.pos.newerThan(ie.pos) {
			insertAt = i
			break
		}
	}
	list = append(list, indexEntry{})
	copy(list[insertAt+1:], list[insertAt:])
	list[insertAt] = ie
	in.tlv[typeTag] = list
	in.blooms.add(ie.pos.sectorIdx, tlvBloomKey(typeTag))
}

// tlvBloomKey gives each TLV type tag a namespaced key for the per-sector
// Bloom filters, since TLV entries carry no key of their own (key_len is
// always 0) to hash alongside ordinary KV keys.
func tlvBloomKey(typeTag uint8) string {
	return fmt.Sprintf("tlv:%d", typeTag)
}
