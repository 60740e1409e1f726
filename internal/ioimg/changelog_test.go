package ioimg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangeLog_AddDisjoint(t *testing.T) {
	log := newChangeLog()
	log.add(0, []byte("AAAA"))
	log.add(100, []byte("BBBB"))

	require.True(t, log.changed)
	require.Len(t, log.records, 2)
	require.Equal(t, int64(0), log.records[0].offset)
	require.Equal(t, int64(100), log.records[1].offset)
}

func TestChangeLog_AddOverlapping_Merges(t *testing.T) {
	log := newChangeLog()
	log.add(0, []byte("AAAA"))
	log.add(2, []byte("BBBB"))

	require.Len(t, log.records, 1)
	require.Equal(t, int64(0), log.records[0].offset)
	require.Equal(t, []byte("AABBBB"), log.records[0].data)
}

func TestChangeLog_AddBridging_CoalescesTwoRecords(t *testing.T) {
	log := newChangeLog()
	log.add(0, []byte("AA"))
	log.add(10, []byte("BB"))
	log.add(0, []byte("XXXXXXXXXXXX"))

	require.Len(t, log.records, 1)
	require.Equal(t, int64(0), log.records[0].offset)
	require.Equal(t, []byte("XXXXXXXXXXXX"), log.records[0].data)
}

func TestChangeLog_Patch_OverlapsReadWindow(t *testing.T) {
	log := newChangeLog()
	log.add(4, []byte("XX"))

	buf := []byte("0123456789")
	log.patch(0, buf)

	require.Equal(t, []byte("0123XX6789"), buf)
}

func TestChangeLog_Patch_NoOverlap_Unchanged(t *testing.T) {
	log := newChangeLog()
	log.add(100, []byte("XX"))

	buf := []byte("0123456789")
	log.patch(0, buf)

	require.Equal(t, []byte("0123456789"), buf)
}
