package lfn

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
)

// buildSlot constructs a raw 32-byte LFN slot carrying chars, padding any
// character positions past len(chars) with 0xFFFF.
func buildSlot(seq int, last bool, checksum byte, chars []uint16) []byte {
	data := make([]byte, 32)
	ord := byte(seq)
	if last {
		ord |= slotLastBit
	}
	data[sequenceOff] = ord
	data[11] = AttrMask
	data[checksumOff] = checksum

	for i, off := range charOffsets {
		var c uint16 = 0xFFFF
		if i < len(chars) {
			c = chars[i]
		}
		binary.LittleEndian.PutUint16(data[off:], c)
	}
	return data
}

func TestReassembler_SingleSlotName(t *testing.T) {
	shortName := [11]byte{'R', 'E', 'A', 'D', 'M', 'E', ' ', ' ', 'T', 'X', 'T'}
	sum := Checksum(shortName)

	name := utf16.Encode([]rune("readme.txt"))
	require.True(t, len(name) <= 13)
	padded := make([]uint16, 13)
	copy(padded, name)
	if len(name) < 13 {
		padded[len(name)] = 0
		for i := len(name) + 1; i < 13; i++ {
			padded[i] = 0xFFFF
		}
	}

	slotData := buildSlot(1, true, sum, padded)
	slot := DecodeSlot(slotData, 64)

	r := NewReassembler()
	require.True(t, r.Feed(slot))

	assembled, offsets, ok := r.Bind(sum)
	require.True(t, ok)
	require.Equal(t, "readme.txt", assembled)
	require.Equal(t, []int64{64}, offsets)
}

func TestReassembler_MultiSlotNameInReverseOrder(t *testing.T) {
	longName := "a-rather-long-file-name.txt"
	runes := utf16.Encode([]rune(longName))

	shortName := [11]byte{'A', 'R', 'A', 'T', 'H', '~', '1', ' ', 'T', 'X', 'T'}
	sum := Checksum(shortName)

	// Split into 13-char chunks, slot for chunk N has sequence N (1-based),
	// encountered on disk highest-sequence-first.
	var chunks [][]uint16
	for i := 0; i < len(runes); i += 13 {
		end := i + 13
		if end > len(runes) {
			end = len(runes)
		}
		chunk := make([]uint16, 13)
		copy(chunk, runes[i:end])
		if end-i < 13 {
			chunk[end-i] = 0
			for j := end - i + 1; j < 13; j++ {
				chunk[j] = 0xFFFF
			}
		}
		chunks = append(chunks, chunk)
	}

	r := NewReassembler()
	for seq := len(chunks); seq >= 1; seq-- {
		slotData := buildSlot(seq, seq == len(chunks), sum, chunks[seq-1])
		slot := DecodeSlot(slotData, int64(seq*32))
		require.True(t, r.Feed(slot))
	}

	assembled, offsets, ok := r.Bind(sum)
	require.True(t, ok)
	require.Equal(t, longName, assembled)
	require.Len(t, offsets, len(chunks))
}

func TestReassembler_ChecksumMismatch_Orphaned(t *testing.T) {
	shortName := [11]byte{'F', 'O', 'O', ' ', ' ', ' ', ' ', ' ', 'T', 'X', 'T'}
	sum := Checksum(shortName)

	slotData := buildSlot(1, true, sum, []uint16{'f', 'o', 'o'})
	slot := DecodeSlot(slotData, 32)

	r := NewReassembler()
	require.True(t, r.Feed(slot))

	_, _, ok := r.Bind(sum + 1)
	require.False(t, ok)
	require.False(t, r.DiscardIfOrphaned(), "Bind already reset the accumulator")
}

func TestReassembler_IncompleteAtEndOfDirectory_Orphaned(t *testing.T) {
	slotData := buildSlot(2, true, 0x42, []uint16{'x'})
	slot := DecodeSlot(slotData, 0)

	r := NewReassembler()
	require.True(t, r.Feed(slot))

	require.True(t, r.DiscardIfOrphaned())
}
