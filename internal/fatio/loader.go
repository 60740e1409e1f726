// Package fatio materializes the authoritative in-memory view of a FAT
// volume's File Allocation Table(s): it reconciles the redundant on-disk
// copies, builds the disk-observed occupancy bitmap, and exposes the
// get/set/next-cluster/cluster-start primitives every other component
// walks the volume through.
package fatio

import (
	"bytes"

	"github.com/boljen/go-bitmap"

	"github.com/dargueta/fsckfat/internal/bootsector"
	"github.com/dargueta/fsckfat/internal/fsckerr"
	"github.com/dargueta/fsckfat/internal/ioimg"
	"github.com/dargueta/fsckfat/internal/runmode"
)

// streamBufferSize is the default buffer size used to stream both FAT
// copies through memory while reconciling them: 96 KiB, a common multiple
// of 12-, 16-, and 32-bit entry alignment.
const streamBufferSize = 96 * 1024

// FAT is the authoritative, reconciled view of a volume's File Allocation
// Table, plus the disk-observed and reachable occupancy bitmaps.
type FAT struct {
	dev *ioimg.Device
	bs  *bootsector.BootSector

	width      int
	maxCluster uint32

	entries []uint32 // authoritative, reconciled values, indexed by cluster number

	DiskObserved bitmap.Bitmap
	Reachable    bitmap.Bitmap

	BadCount   int
	AllocCount int

	// authoritativeCopy is which on-disk FAT copy (0 or 1) was judged
	// authoritative during reconciliation; when both copies are ok it is
	// the first copy (0) unless an interactive user picked the second.
	authoritativeCopy int
}

// Load reads both FAT copies from dev, reconciles any disagreement, and
// builds the disk-observed occupancy bitmap. mode controls how a
// first-ok/second-ok disagreement is resolved when both need a decision.
func Load(dev *ioimg.Device, bs *bootsector.BootSector, mode runmode.Mode, prompter runmode.Prompter) (*FAT, error) {
	width := bs.EffectiveFATBits

	f := &FAT{
		dev:               dev,
		bs:                bs,
		width:             width,
		maxCluster:        bs.MaxCluster,
		entries:           make([]uint32, bs.MaxCluster),
		DiskObserved:      bitmap.New(int(bs.MaxCluster)),
		Reachable:         bitmap.New(int(bs.MaxCluster)),
		authoritativeCopy: -1,
	}

	copies := make([][]byte, bs.NumFATs)
	for i := 0; i < int(bs.NumFATs); i++ {
		raw, err := dev.ReadAt(bs.FATStart+int64(i)*bs.FATSizeBytes, int(bs.FATSizeBytes))
		if err != nil {
			return nil, err
		}
		copies[i] = raw
	}

	authoritative, err := reconcile(copies, bs.Media, width, mode, prompter)
	if err != nil {
		return nil, err
	}
	f.authoritativeCopy = authoritative
	chosen := copies[authoritative]
	f.entries[0] = readEntry(chosen, 0, width)
	f.entries[1] = readEntry(chosen, 1, width)

	// Write the authoritative buffer back into every non-authoritative copy.
	for i := 0; i < int(bs.NumFATs); i++ {
		if i == authoritative {
			continue
		}
		if err := dev.Write(bs.FATStart+int64(i)*bs.FATSizeBytes, chosen); err != nil {
			return nil, err
		}
	}

	for c := uint32(2); c < bs.MaxCluster; c++ {
		value := readEntry(chosen, c, width)
		kind := classify(value, bs.MaxCluster, width)

		switch kind {
		case KindFree:
			f.entries[c] = 0
		case KindBad:
			f.entries[c] = badMarker(width)
			f.BadCount++
		case KindEOC:
			f.entries[c] = eocHigh(width)
			f.DiskObserved.Set(int(c), true)
			f.AllocCount++
		case KindNext:
			f.entries[c] = value
			f.DiskObserved.Set(int(c), true)
			f.AllocCount++
		case KindOutOfRange:
			// Repaired in place to EOC; the bit is still set because the
			// cluster is in use by *something*, just not a valid chain
			// link.
			f.entries[c] = eocHigh(width)
			f.DiskObserved.Set(int(c), true)
			f.AllocCount++
			off, data := writeEntry(chosen, c, width, eocHigh(width))
			if err := dev.Write(bs.FATStart+int64(authoritative)*bs.FATSizeBytes+off, data); err != nil {
				return nil, err
			}
		}
	}

	return f, nil
}

// reconcile validates the media-byte/EOC signature in entries 0 and 1 of
// each FAT copy and decides which is authoritative.
func reconcile(copies [][]byte, media byte, width int, mode runmode.Mode, prompter runmode.Prompter) (int, error) {
	ok := make([]bool, len(copies))
	for i, buf := range copies {
		e0 := readEntry(buf, 0, width)
		e1 := readEntry(buf, 1, width)
		expected0 := extdPattern(width) | uint32(media)
		expected1 := eocHigh(width)
		ok[i] = e0 == expected0 && e1 == expected1
	}

	if len(copies) == 1 {
		if !ok[0] {
			return 0, fsckerr.New(fsckerr.ClassFatalOnDisk, "the only FAT copy is corrupt")
		}
		return 0, nil
	}

	firstOK, secondOK := ok[0], ok[1]
	switch {
	case firstOK && !secondOK:
		return 0, nil
	case !firstOK && secondOK:
		return 1, nil
	case firstOK && secondOK:
		if mode == runmode.ModeInteractive && !bytes.Equal(copies[0], copies[1]) {
			choice := prompter.Prompt(
				"the two FAT copies disagree but both look valid", []string{"use first", "use second"}, 0)
			return choice, nil
		}
		return 0, nil
	default:
		return -1, fsckerr.New(fsckerr.ClassFatalOnDisk, "both FAT copies are corrupt")
	}
}

// GetFAT returns the current value of the given cluster's FAT entry.
func (f *FAT) GetFAT(cluster uint32) uint32 {
	return f.entries[cluster]
}

// IsFree reports whether cluster is unallocated.
func (f *FAT) IsFree(cluster uint32) bool {
	return f.entries[cluster] == 0
}

// IsBad reports whether cluster is marked as a bad sector.
func (f *FAT) IsBad(cluster uint32) bool {
	return f.entries[cluster] == badMarker(f.width)
}

// IsEOC reports whether cluster is an end-of-chain marker.
func (f *FAT) IsEOC(cluster uint32) bool {
	value := f.entries[cluster]
	return value >= eocLow(f.width) && value <= eocHigh(f.width)
}

// IsValidNext reports whether cluster is a valid link to another cluster
// (not free, bad, or EOC).
func (f *FAT) IsValidNext(cluster uint32) bool {
	return classify(f.entries[cluster], f.maxCluster, f.width) == KindNext
}

// MaxCluster returns C+2, the exclusive upper bound on valid cluster numbers.
func (f *FAT) MaxCluster() uint32 {
	return f.maxCluster
}

// EOC is the canonical end-of-chain value this package writes.
func (f *FAT) EOC() uint32 {
	return eocHigh(f.width)
}

// Bad is the canonical bad-cluster value this package writes.
func (f *FAT) Bad() uint32 {
	return badMarker(f.width)
}

// NextCluster returns the cluster following `cluster`, or ok=false if
// `cluster` is not a valid link (free, bad, out of range, or EOC).
func (f *FAT) NextCluster(cluster uint32) (next uint32, ok bool) {
	value := f.entries[cluster]
	if classify(value, f.maxCluster, f.width) != KindNext {
		return 0, false
	}
	return value, true
}

// SetFAT updates the in-memory entry for cluster and stages the write (for
// every FAT copy) into the device's pending-change log, preserving the top
// 4 reserved bits on FAT32.
func (f *FAT) SetFAT(cluster uint32, value uint32) error {
	f.entries[cluster] = value

	off := entryOffset(cluster, f.width)
	winLen := entryWindowLen(f.width)
	for i := 0; i < int(f.bs.NumFATs); i++ {
		base := f.bs.FATStart + int64(i)*f.bs.FATSizeBytes

		// Read back the existing packed bytes so 12-bit neighbor nibbles
		// and 32-bit reserved bits are preserved.
		window, err := f.dev.ReadAt(base+off, winLen)
		if err != nil {
			return err
		}
		if err := f.dev.Write(base+off, packEntry(window, cluster, f.width, value)); err != nil {
			return err
		}
	}
	return nil
}

// SetFATImmediate behaves like SetFAT but commits immediately, bypassing
// the pending-change log. Used only by the dirty-flag manager.
func (f *FAT) SetFATImmediate(cluster uint32, value uint32) error {
	f.entries[cluster] = value

	off := entryOffset(cluster, f.width)
	winLen := entryWindowLen(f.width)
	for i := 0; i < int(f.bs.NumFATs); i++ {
		base := f.bs.FATStart + int64(i)*f.bs.FATSizeBytes
		window, err := f.dev.ReadAt(base+off, winLen)
		if err != nil {
			return err
		}
		if err := f.dev.WriteImmediate(base+off, packEntry(window, cluster, f.width, value)); err != nil {
			return err
		}
	}
	return nil
}

// ClassifyValue exposes the package's entry classification rules for an
// arbitrary raw FAT entry value, for callers (the chain validator) that need
// to interpret a freshly fetched value rather than a stored one.
func (f *FAT) ClassifyValue(value uint32) EntryKind {
	return classify(value, f.maxCluster, f.width)
}

// AllocateFree does a first-fit linear scan for an unused cluster, marks it
// EOC, and updates the disk-observed bitmap and allocation count. It is used
// by repairs that need a fresh cluster (dot-entry splicing, orphan
// reclamation) rather than normal file growth, which this checker never
// performs.
func (f *FAT) AllocateFree() (uint32, bool) {
	for c := uint32(2); c < f.maxCluster; c++ {
		if f.IsFree(c) {
			if err := f.SetFAT(c, f.EOC()); err != nil {
				return 0, false
			}
			f.DiskObserved.Set(int(c), true)
			f.AllocCount++
			return c, true
		}
	}
	return 0, false
}

// ClusterStart returns the byte offset of the given cluster on the device.
func (f *FAT) ClusterStart(cluster uint32) int64 {
	return f.bs.DataStart + int64(cluster-2)*int64(f.bs.BytesPerCluster)
}

// ClusterSize is the size in bytes of one cluster.
func (f *FAT) ClusterSize() int64 {
	return int64(f.bs.BytesPerCluster)
}

// AuthoritativeCopy returns the index of the FAT copy judged authoritative
// during reconciliation.
func (f *FAT) AuthoritativeCopy() int {
	return f.authoritativeCopy
}

// Width returns the effective FAT bit width (12, 16, or 28 for FAT32).
func (f *FAT) Width() int {
	return f.width
}
