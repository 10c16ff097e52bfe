package nanokv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanokv/nanokv/flash"
)

func TestGetDefaultFallsBackWhenUnset(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.SetDefaults([]Default{{Key: "mode", Value: []byte("auto")}}))

	v, err := in.GetDefault("mode")
	require.NoError(t, err)
	require.Equal(t, []byte("auto"), v)
}

func TestGetDefaultPrefersLiveValue(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.SetDefaults([]Default{{Key: "mode", Value: []byte("auto")}}))
	require.NoError(t, in.Set("mode", []byte("manual")))

	v, err := in.GetDefault("mode")
	require.NoError(t, err)
	require.Equal(t, []byte("manual"), v)
}

func TestFindDefaultReportsOkFalseWhenNeitherExists(t *testing.T) {
	in, _ := openFresh(t)
	_, ok := in.FindDefault("nope")
	require.False(t, ok)
}

func TestFindDefaultReturnsKeyAndValue(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.SetDefaults([]Default{{Key: "mode", Value: []byte("auto")}}))

	d, ok := in.FindDefault("mode")
	require.True(t, ok)
	require.Equal(t, "mode", d.Key)
	require.Equal(t, []byte("auto"), d.Value)
}

func TestResetKeyFallsBackToDefault(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.SetDefaults([]Default{{Key: "mode", Value: []byte("auto")}}))
	require.NoError(t, in.Set("mode", []byte("manual")))

	require.NoError(t, in.ResetKey("mode"))

	v, err := in.GetDefault("mode")
	require.NoError(t, err)
	require.Equal(t, []byte("auto"), v)
}

func TestResetKeyOnNeverSetKeyIsNotAnError(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.ResetKey("never-set"))
}

func TestResetAllResetsEveryDefaultKey(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.SetDefaults([]Default{
		{Key: "mode", Value: []byte("auto")},
		{Key: "speed", Value: []byte("slow")},
	}))
	require.NoError(t, in.Set("mode", []byte("manual")))
	require.NoError(t, in.Set("speed", []byte("fast")))

	require.NoError(t, in.ResetAll())

	mode, err := in.GetDefault("mode")
	require.NoError(t, err)
	require.Equal(t, []byte("auto"), mode)

	speed, err := in.GetDefault("speed")
	require.NoError(t, err)
	require.Equal(t, []byte("slow"), speed)
}

func TestVersionSyncAppliesDefaultsOnceThenLeavesUserEditsAlone(t *testing.T) {
	in, _ := openFresh(t)
	require.NoError(t, in.SetDefaults([]Default{{Key: "mode", Value: []byte("auto")}}))

	v, err := in.Get("mode")
	require.NoError(t, err)
	require.Equal(t, []byte("auto"), v)

	require.NoError(t, in.Set("mode", []byte("manual")))

	// Re-registering under the same DefaultsVersion must not clobber the
	// user's edit.
	require.NoError(t, in.SetDefaults([]Default{{Key: "mode", Value: []byte("auto")}}))
	v, err = in.Get("mode")
	require.NoError(t, err)
	require.Equal(t, []byte("manual"), v)
}

// TestVersionSyncReappliesDefaultsForUnsetKeysOnVersionBump simulates a
// firmware upgrade that bumps the compile-time DefaultsVersion constant
// across a reboot: the Instance is reopened with a higher
// Options.DefaultsVersion over the same underlying device, since
// SetDefaults itself no longer takes a version argument per call.
func TestVersionSyncReappliesDefaultsForUnsetKeysOnVersionBump(t *testing.T) {
	g := testGeom()
	dev := flash.NewMemDevice(g)
	in, err := Format(Options{Device: dev, Geometry: g, Logger: NewNopLogger(), DefaultsVersion: 1})
	require.NoError(t, err)

	require.NoError(t, in.SetDefaults([]Default{{Key: "mode", Value: []byte("auto")}}))
	require.NoError(t, in.Set("mode", []byte("manual")))

	snap := dev.Snapshot()
	reloaded := flash.NewMemDeviceFromSnapshot(g, snap)
	in2, err := New(Options{Device: reloaded, Geometry: g, Logger: NewNopLogger(), DefaultsVersion: 2})
	require.NoError(t, err)

	// A version bump re-applies defaults, but only for keys that are
	// still absent entirely; "mode" has a live user value so it is left
	// untouched, while a brand-new default key gets written.
	require.NoError(t, in2.SetDefaults([]Default{
		{Key: "mode", Value: []byte("auto")},
		{Key: "new_key", Value: []byte("fresh")},
	}))

	v, err := in2.Get("mode")
	require.NoError(t, err)
	require.Equal(t, []byte("manual"), v)

	nv, err := in2.Get("new_key")
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), nv)
}
