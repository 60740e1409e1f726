package pathmatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatcher_AddDrop_MatchesFullName(t *testing.T) {
	m := New()
	require.NoError(t, m.AddDrop("SUBDIR/README.TXT"))

	name := toShort("README  TXT")
	action, _, ok := m.Lookup([]string{"SUBDIR"}, name)
	require.True(t, ok)
	require.Equal(t, ActionDrop, action)
}

func TestMatcher_AddDrop_WrongDirectoryDoesNotMatch(t *testing.T) {
	m := New()
	require.NoError(t, m.AddDrop("SUBDIR/README.TXT"))

	name := toShort("README  TXT")
	_, _, ok := m.Lookup([]string{"OTHERDIR"}, name)
	require.False(t, ok)
}

func TestMatcher_AddUndelete_IgnoresFirstByteOfOnDiskName(t *testing.T) {
	m := New()
	require.NoError(t, m.AddUndelete("FOO.TXT"))

	onDisk := toShort("\xE5OO     TXT") // first byte overwritten by the 0xE5 deleted marker
	action, matched, ok := m.Lookup(nil, onDisk)
	require.True(t, ok)
	require.Equal(t, ActionUndelete, action)
	require.Equal(t, byte('F'), matched[0])
}

func TestMatcher_Lookup_IsCaseInsensitiveOnDirectory(t *testing.T) {
	m := New()
	require.NoError(t, m.AddDrop("subdir/readme.txt"))

	name := toShort("README  TXT")
	_, _, ok := m.Lookup([]string{"SUBDIR"}, name)
	require.True(t, ok)
}

func TestMatcher_Lookup_EachHintMatchesOnlyOnce(t *testing.T) {
	m := New()
	require.NoError(t, m.AddDrop("README.TXT"))

	name := toShort("README  TXT")
	_, _, ok := m.Lookup(nil, name)
	require.True(t, ok)

	_, _, ok = m.Lookup(nil, name)
	require.False(t, ok, "a hint should only ever match one entry")
}

func TestMatcher_Unused_ReportsUnmatchedHintsOnly(t *testing.T) {
	m := New()
	require.NoError(t, m.AddDrop("A.TXT"))
	require.NoError(t, m.AddDrop("B.TXT"))

	_, _, ok := m.Lookup(nil, toShort("A       TXT"))
	require.True(t, ok)

	require.Equal(t, []string{"B.TXT"}, m.Unused())
}

func TestMatcher_AddDrop_RejectsEmptyPath(t *testing.T) {
	m := New()
	require.Error(t, m.AddDrop(""))
	require.Error(t, m.AddDrop("///"))
}

func TestMatcher_AddDrop_RejectsOverlongNameComponent(t *testing.T) {
	m := New()
	require.Error(t, m.AddDrop("TOOLONGNAME.TXT"))
	require.Error(t, m.AddDrop("NAME.TOOLONG"))
}

func toShort(s string) [11]byte {
	var out [11]byte
	copy(out[:], s)
	return out
}
