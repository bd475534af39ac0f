package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Immutability(t *testing.T) {
	src := map[string]Value{"a": Bool(true)}
	snap := NewSnapshot(src)
	src["a"] = Bool(false)

	v, ok := snap.Get("a")
	require.True(t, ok)
	assert.True(t, v.Equal(Bool(true)))

	next := snap.With("b", Int(1))
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, 2, next.Len())
}

func TestSnapshot_Diff(t *testing.T) {
	base := NewSnapshot(map[string]Value{
		"same":    String("x"),
		"changed": Int(1),
		"extra":   Bool(true),
	})
	next := NewSnapshot(map[string]Value{
		"same":    String("x"),
		"changed": Int(2),
		"added":   Bool(false),
	})

	d := next.Diff(base)
	assert.Equal(t, []string{"added", "changed"}, d.Keys())
	assert.False(t, d.Has("extra"), "keys missing from the new snapshot are not removals")

	applied := d.Apply(base)
	v, _ := applied.Get("extra")
	assert.True(t, v.Equal(Bool(true)))
	v, _ = applied.Get("changed")
	assert.True(t, v.Equal(Int(2)))
}

func TestSnapshot_DiffOfEqualIsEmpty(t *testing.T) {
	a := NewSnapshot(map[string]Value{"k": StringSet("b", "a")})
	b := NewSnapshot(map[string]Value{"k": StringSet("a", "b")})
	assert.True(t, a.Equal(b))
	assert.True(t, a.Diff(b).IsEmpty())
}

func TestSnapshot_OverlayAndSubset(t *testing.T) {
	base := NewSnapshot(map[string]Value{"a": Int(1), "b": Int(2)})
	top := NewSnapshot(map[string]Value{"b": Int(20), "c": Int(30)})

	merged := base.Overlay(top)
	assert.Equal(t, []string{"a", "b", "c"}, merged.Keys())
	v, _ := merged.Get("b")
	assert.True(t, v.Equal(Int(20)))

	sub := merged.Subset([]string{"a", "missing"})
	assert.Equal(t, []string{"a"}, sub.Keys())
}

func TestDiff_Intersects(t *testing.T) {
	d := NewDiff(map[string]Value{VerboseLog.Name(): Bool(true)})
	assert.True(t, d.Intersects(ImmediateDurabilityKeys))
	assert.False(t, d.Intersects(RunConditionKeys))
}

func TestTypedKeys(t *testing.T) {
	snap := EmptySnapshot()
	assert.Equal(t, int32(DefaultWebGUIPort), WebGUIPort.Get(snap))
	assert.True(t, RunOnWifi.Get(snap))

	snap = WebGUIPort.Set(snap, 9090)
	assert.Equal(t, int32(9090), WebGUIPort.Get(snap))

	// Wrong kind falls back to the default instead of failing.
	snap = snap.With(RunOnWifi.Name(), String("yes"))
	assert.True(t, RunOnWifi.Get(snap))
	_, ok := RunOnWifi.Lookup(snap)
	assert.False(t, ok)

	snap = WifiSSIDWhitelist.Set(snap, []string{"home", "home", "cafe"})
	assert.Equal(t, []string{"cafe", "home"}, WifiSSIDWhitelist.Get(snap))
}
