package fatio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWriteEntry_FAT16RoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	off, data := writeEntry(buf, 3, 16, 0xBEEF)
	copy(buf[off:], data)

	require.Equal(t, uint32(0xBEEF), readEntry(buf, 3, 16))
}

func TestReadWriteEntry_FAT12PreservesNeighborNibble(t *testing.T) {
	buf := make([]byte, 16)

	off, data := writeEntry(buf, 4, 12, 0x123)
	copy(buf[off:], data)
	off, data = writeEntry(buf, 5, 12, 0x456)
	copy(buf[off:], data)

	require.Equal(t, uint32(0x123), readEntry(buf, 4, 12))
	require.Equal(t, uint32(0x456), readEntry(buf, 5, 12))
}

func TestWriteEntry_FAT32PreservesTopNibble(t *testing.T) {
	buf := make([]byte, 16)
	buf[8+3] = 0xF0 // top nibble of cluster 2's entry, pre-set

	off, data := writeEntry(buf, 2, 32, 0x0ABCDEF)
	copy(buf[off:], data)

	require.Equal(t, uint32(0x0ABCDEF), readEntry(buf, 2, 32))
	require.Equal(t, byte(0xF0), buf[11]&0xF0)
}

func TestClassify(t *testing.T) {
	const width = 16
	maxCluster := uint32(1000)

	require.Equal(t, KindFree, classify(0, maxCluster, width))
	require.Equal(t, KindNext, classify(5, maxCluster, width))
	require.Equal(t, KindBad, classify(badMarker(width), maxCluster, width))
	require.Equal(t, KindEOC, classify(eocHigh(width), maxCluster, width))
	require.Equal(t, KindOutOfRange, classify(maxCluster, maxCluster, width))
}
