package fatio

// widthMask returns a mask covering the low `width` bits.
func widthMask(width int) uint32 {
	return (uint32(1) << uint(width)) - 1
}

// extdPattern is FAT_EXTD from the specification: all ones masked to the
// effective width, with the low nibble zeroed. Entries 0 and 1 of a valid
// FAT must match this pattern (OR-ed with the media byte, for entry 0).
func extdPattern(width int) uint32 {
	return widthMask(width) &^ 0xF
}

// badMarker is the widened "bad cluster" marker (the 0xFF7 pattern widened
// to the effective bit width).
func badMarker(width int) uint32 {
	return extdPattern(width) | 0x7
}

// eocLow is the lowest widened end-of-chain marker (the 0xFF8 pattern
// widened).
func eocLow(width int) uint32 {
	return extdPattern(width) | 0x8
}

// eocHigh is the highest widened end-of-chain marker (the 0xFFF pattern
// widened) — also the canonical EOC value this package writes.
func eocHigh(width int) uint32 {
	return extdPattern(width) | 0xF
}

// EntryKind classifies a raw FAT entry value.
type EntryKind int

const (
	KindFree EntryKind = iota
	KindNext           // points to another cluster in the chain
	KindBad
	KindEOC
	KindOutOfRange // repairable: should be EOC
)

// classify interprets a raw FAT entry value given the volume's maximum
// valid cluster number and effective bit width.
func classify(value uint32, maxCluster uint32, width int) EntryKind {
	switch {
	case value == 0:
		return KindFree
	case value == badMarker(width):
		return KindBad
	case value >= eocLow(width) && value <= eocHigh(width):
		return KindEOC
	case value >= 2 && value < maxCluster:
		return KindNext
	default:
		return KindOutOfRange
	}
}
