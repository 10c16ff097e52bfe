package nanokv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanokv/nanokv/flash"
)

// testGeom uses a sector big enough to hold the largest possible entry
// (15-byte key, 255-byte value) with room to spare: Geometry.Validate
// requires sectorSize/2 >= entry.MaxAlignedSize(align) regardless of
// what any one test actually writes, since that bound must hold for
// every entry the engine could ever be asked to store.
func testGeom() flash.Geometry {
	return flash.Geometry{Base: 0, SectorSize: 640, SectorCount: 4, Align: 4}
}

func openFresh(t *testing.T) (*Instance, *flash.MemDevice) {
	t.Helper()
	g := testGeom()
	dev := flash.NewMemDevice(g)
	in, err := Format(Options{Device: dev, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)
	return in, dev
}

func TestSetGetRoundTrip(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.Set("alpha", []byte("one")))

	v, err := in.Get("alpha")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), v)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	in, _ := openFresh(t)
	_, err := in.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetOverwriteIsLastWriteWins(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.Set("k", []byte("v1")))
	require.NoError(t, in.Set("k", []byte("v2")))
	require.NoError(t, in.Set("k", []byte("v3")))

	v, err := in.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), v)
}

func TestDeleteThenGetNotFound(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.Set("k", []byte("v")))
	require.NoError(t, in.Delete("k"))

	_, err := in.Get("k")
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, in.Exists("k"))
}

func TestDeleteMissingKeyReturnsNotFound(t *testing.T) {
	in, _ := openFresh(t)
	require.ErrorIs(t, in.Delete("nope"), ErrNotFound)
}

func TestExists(t *testing.T) {
	in, _ := openFresh(t)
	require.False(t, in.Exists("k"))
	require.NoError(t, in.Set("k", []byte("v")))
	require.True(t, in.Exists("k"))
}

func TestRejectsOversizedKeyAndValue(t *testing.T) {
	in, _ := openFresh(t)
	require.ErrorIs(t, in.Set("", []byte("v")), ErrInvalid)

	longKey := make([]byte, 32)
	require.ErrorIs(t, in.Set(string(longKey), []byte("v")), ErrInvalid)

	longVal := make([]byte, 300)
	require.ErrorIs(t, in.Set("k", longVal), ErrInvalid)
}

func TestDurabilityAcrossReload(t *testing.T) {
	g := testGeom()
	dev := flash.NewMemDevice(g)
	in, err := Format(Options{Device: dev, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)

	require.NoError(t, in.Set("a", []byte("1")))
	require.NoError(t, in.Set("b", []byte("2")))
	require.NoError(t, in.Delete("a"))

	snap := dev.Snapshot()
	reloaded := flash.NewMemDeviceFromSnapshot(g, snap)
	in2, err := New(Options{Device: reloaded, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)

	_, err = in2.Get("a")
	require.ErrorIs(t, err, ErrNotFound)

	v, err := in2.Get("b")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestPowerFailDuringWriteIsInvisibleAfterRescan(t *testing.T) {
	g := testGeom()
	dev := flash.NewMemDevice(g)
	in, err := Format(Options{Device: dev, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)

	require.NoError(t, in.Set("durable", []byte("yes")))

	// Simulate a crash mid-write of a second entry: truncate everything
	// from partway through its header onward back to erased.
	writeAddr := in.mgr.WriteAddr()
	require.NoError(t, in.dev.Program(writeAddr, []byte{0xFE, 0xFF, 0x05, 0x02})) // state=WRITING, header only
	dev.Truncate(writeAddr + 2)

	snap := dev.Snapshot()
	reloaded := flash.NewMemDeviceFromSnapshot(g, snap)
	in2, err := New(Options{Device: reloaded, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)

	v, err := in2.Get("durable")
	require.NoError(t, err)
	require.Equal(t, []byte("yes"), v)
	require.False(t, in2.Exists("crashed"))
}

func TestCRCCorruptionDetected(t *testing.T) {
	in, dev := openFresh(t)
	require.NoError(t, in.Set("k", []byte("v")))

	ie := in.index["k"]
	// Flip a bit in the stored value without going through Program, to
	// simulate bit rot rather than a legal NOR state transition.
	buf := make([]byte, 1)
	require.NoError(t, dev.Read(ie.addr+4+uint32(ie.keyLen), buf))
	buf[0] ^= 0x01
	raw := dev.Snapshot()
	raw[ie.addr+4+uint32(ie.keyLen)] = buf[0]
	corrupted := flash.NewMemDeviceFromSnapshot(testGeom(), raw)

	in2, err := New(Options{Device: corrupted, Geometry: testGeom(), Logger: NewNopLogger()})
	require.NoError(t, err)

	_, err = in2.Get("k")
	require.ErrorIs(t, err, ErrCRC)
}

func TestSkipVerifyOnReadIgnoresCorruption(t *testing.T) {
	in, dev := openFresh(t)
	require.NoError(t, in.Set("k", []byte("v")))

	ie := in.index["k"]
	raw := dev.Snapshot()
	raw[ie.addr+4+uint32(ie.keyLen)] ^= 0x01
	corrupted := flash.NewMemDeviceFromSnapshot(testGeom(), raw)

	in2, err := New(Options{Device: corrupted, Geometry: testGeom(), SkipVerifyOnRead: true, Logger: NewNopLogger()})
	require.NoError(t, err)

	_, err = in2.Get("k")
	require.NoError(t, err)
}

func TestSectorRotationAcrossManyWrites(t *testing.T) {
	g := testGeom()
	dev := flash.NewMemDevice(g)
	in, err := Format(Options{Device: dev, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%03d", i%20)
		require.NoError(t, in.Set(key, []byte(fmt.Sprintf("v%d", i))))
	}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%03d", i)
		v, err := in.Get(key)
		require.NoError(t, err, "key %s should be live", key)
		require.Contains(t, string(v), "v")
	}

	usage, err := in.Usage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, usage.FreeSectors, 0)
}

func TestSectorRotationSurvivesReload(t *testing.T) {
	g := testGeom()
	dev := flash.NewMemDevice(g)
	in, err := Format(Options{Device: dev, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)

	for i := 0; i < 150; i++ {
		key := fmt.Sprintf("k%02d", i%10)
		require.NoError(t, in.Set(key, []byte(fmt.Sprintf("val-%d", i))))
	}

	expect := make(map[string][]byte, 10)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%02d", i)
		v, err := in.Get(key)
		require.NoError(t, err)
		expect[key] = v
	}

	snap := dev.Snapshot()
	reloaded := flash.NewMemDeviceFromSnapshot(g, snap)
	in2, err := New(Options{Device: reloaded, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)

	for key, want := range expect {
		got, err := in2.Get(key)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestUsageReportsFreeSectors(t *testing.T) {
	in, _ := openFresh(t)
	usage, err := in.Usage()
	require.NoError(t, err)
	require.Equal(t, uint8(4), usage.SectorCount)
	require.Equal(t, 3, usage.FreeSectors)
}

func TestCacheStatsTrackHitsAndMisses(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.Set("k", []byte("v")))

	_, err := in.Get("k")
	require.NoError(t, err)
	_, err = in.Get("k")
	require.NoError(t, err)

	stats := in.CacheStats()
	require.GreaterOrEqual(t, stats.Hits, uint64(1))

	in.CacheClear()
	require.Equal(t, uint64(0), in.CacheStats().Hits)
}

func TestKeysReturnsSortedLiveKeys(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.Set("banana", []byte("2")))
	require.NoError(t, in.Set("apple", []byte("1")))
	require.NoError(t, in.Set("cherry", []byte("3")))
	require.NoError(t, in.Delete("banana"))

	require.Equal(t, []string{"apple", "cherry"}, in.Keys())
}

func TestKeysSurvivesReload(t *testing.T) {
	g := testGeom()
	dev := flash.NewMemDevice(g)
	in, err := Format(Options{Device: dev, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)

	require.NoError(t, in.Set("z", []byte("1")))
	require.NoError(t, in.Set("a", []byte("2")))

	snap := dev.Snapshot()
	reloaded := flash.NewMemDeviceFromSnapshot(g, snap)
	in2, err := New(Options{Device: reloaded, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)

	require.Equal(t, []string{"a", "z"}, in2.Keys())
}

func TestScanRebuildsIndexFromDeviceInPlace(t *testing.T) {
	in, dev := openFresh(t)
	require.NoError(t, in.Set("a", []byte("1")))
	require.NoError(t, in.Set("b", []byte("2")))

	// Mutate the device directly (as Restore would) without going
	// through in, then rescan the same live Instance.
	g := testGeom()
	blank := flash.NewMemDevice(g)
	in2, err := Format(Options{Device: blank, Geometry: g, Logger: NewNopLogger()})
	require.NoError(t, err)
	require.NoError(t, in2.Set("only-key", []byte("v")))
	snap := blank.Snapshot()

	for i := uint8(0); i < g.SectorCount; i++ {
		addr := g.SectorAddr(i)
		require.NoError(t, dev.Erase(addr))
		require.NoError(t, dev.Program(addr, snap[addr-g.Base:addr-g.Base+g.SectorSize]))
	}

	require.NoError(t, in.Scan())
	require.False(t, in.Exists("a"))
	v, err := in.Get("only-key")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
	require.Equal(t, []string{"only-key"}, in.Keys())
}

func TestSectorMayContainNeverFalseNegative(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.Set("present", []byte("v")))

	ie := in.index["present"]
	require.True(t, in.SectorMayContain(ie.pos.sectorIdx, "present"))
}
