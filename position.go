package nanokv

import "github.com/nanokv/nanokv/sector"

// position identifies where in the sector ring an entry lives, in a way
// that stays totally ordered across sector switches: the sector's
// sequence number (compared with wraparound) dominates, and within the
// same sequence number a higher byte offset is newer. No dedicated
// "write order" field is carried in the wire format (see entry.Header);
// position derives recency directly from the append-only log's own
// layout, the same way an LSN derives from a WAL's file+offset.
type position struct {
	sectorIdx uint8
	seq       uint16
	offset    uint32
}

// newerThan reports whether p is a later write than other.
func (p position) newerThan(other position) bool {
	if p.seq != other.seq {
		return sector.SeqNewer(p.seq, other.seq)
	}
	return p.offset > other.offset
}
