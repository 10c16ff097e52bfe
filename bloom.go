package nanokv

import "github.com/bits-and-blooms/bloom/v3"

// sectorBloomEstimate bounds how many distinct keys a single sector's
// Bloom filter is sized for. A sector can hold at most SectorSize /
// (header+minimal entry) entries; 256 comfortably covers every geometry
// this repository's tests and CLI use while keeping the filter itself a
// few hundred bytes, the same sizing tradeoff sst/writer.go makes for
// its per-file filter.
const sectorBloomEstimate = 256

// sectorBlooms tracks one Bloom filter per sector, letting tooling (and
// the engine itself) answer "could this sector contain key K" without a
// flash read. It is rebuilt from scratch by scan and kept in sync
// incrementally by Set, TLVSet, and sector rotation; unlike the LFU
// address cache it is never the source of truth for an exact lookup —
// package bloom filters never produce false negatives, only possible
// false positives. The engine's own lookups (locate, findKey) resolve a
// key through the authoritative in-memory index rather than a per-sector
// scan, so these filters don't gate that path; Set does consult them
// (definitelyPresent, below) to skip a flash read on its hot path, and
// SectorMayContain exposes the same question to tooling.
type sectorBlooms struct {
	filters map[uint8]*bloom.BloomFilter
}

func newSectorBlooms() *sectorBlooms {
	return &sectorBlooms{filters: make(map[uint8]*bloom.BloomFilter)}
}

func (b *sectorBlooms) filterFor(idx uint8) *bloom.BloomFilter {
	f, ok := b.filters[idx]
	if !ok {
		f = bloom.NewWithEstimates(sectorBloomEstimate, 0.01)
		b.filters[idx] = f
	}
	return f
}

func (b *sectorBlooms) add(idx uint8, key string) {
	b.filterFor(idx).AddString(key)
}

func (b *sectorBlooms) reset(idx uint8) {
	delete(b.filters, idx)
}

func (b *sectorBlooms) mayContain(idx uint8, key string) bool {
	f, ok := b.filters[idx]
	if !ok {
		// No filter built yet for this sector means scan never observed
		// it as non-empty; treat as "can't rule it out" rather than
		// asserting a negative we have no basis for.
		return true
	}
	return f.TestString(key)
}

// definitelyPresent reports whether sector idx's filter both exists and
// claims key. Unlike mayContain it is false for a sector with no filter.
// reset deletes a sector's filter outright, but later writes into the
// sector create a new one, and like any Bloom test a true answer can be
// a false positive for a key never written there. Set consults it only
// after its sequence-number check has ruled out a sector switch, to skip
// a flash read when deciding whether a superseded entry still needs
// retiring.
func (b *sectorBlooms) definitelyPresent(idx uint8, key string) bool {
	f, ok := b.filters[idx]
	return ok && f.TestString(key)
}

// SectorMayContain reports whether sector idx could hold a live entry
// for key, per that sector's Bloom filter. A false result is a hard
// guarantee the key is not there; a true result only means "maybe" and
// must still be confirmed by Get/Exists. It is exposed for diagnostics
// rather than used on the hot path, since
// this package already keeps an exact in-memory index.
func (in *Instance) SectorMayContain(sectorIdx uint8, key string) bool {
	return in.blooms.mayContain(sectorIdx, key)
}
