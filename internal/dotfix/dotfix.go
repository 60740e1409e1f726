// Package dotfix enforces the `.` and `..` invariants that every
// subdirectory (other than the root) must satisfy: slot 0 must be a `.`
// entry pointing at the directory's own first cluster, and slot 1 must be
// a `..` entry pointing at the parent's first cluster (0 when the parent is
// the root directory, on FAT12/16 and FAT32 alike).
package dotfix

import (
	"time"

	"github.com/dargueta/fsckfat/internal/direntry"
	"github.com/dargueta/fsckfat/internal/fatio"
	"github.com/dargueta/fsckfat/internal/fsckerr"
	"github.com/dargueta/fsckfat/internal/ioimg"
)

var (
	dotName    = padName(".")
	dotDotName = padName("..")
)

func padName(s string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:], s)
	return out
}

// Slot describes one of the first two slots of a directory, whether or not
// it currently holds a parsed entry.
type Slot struct {
	Offset int64
	Entry  direntry.Entry // zero value if the slot was free/deleted/garbage
	Exists bool
}

// Result reports what CheckDots did.
type Result struct {
	// Fixed0, Fixed1 report whether slots 0/1 were rewritten in place.
	Fixed0, Fixed1 bool
	// Restart reports that the directory's cluster chain was altered and
	// the in-memory tree must be discarded. CheckDots only rewrites slots
	// in place and always leaves it false; splicing in a new first cluster
	// is done by SpliceNewFirstCluster, whose caller restarts the pass.
	Restart bool
}

// CheckDots verifies and repairs slots 0 and 1 of the directory starting at
// selfCluster, whose parent's first cluster is parentCluster (0 if the
// parent is the root). stamp supplies the timestamp for freshly synthesized
// entries, ordinarily the directory's own `.` entry's recorded creation time
// or the current wall-clock time if none exists yet.
func CheckDots(
	dev *ioimg.Device,
	fat *fatio.FAT,
	slot0, slot1 Slot,
	selfCluster, parentCluster uint32,
	stamp time.Time,
) (Result, error) {
	var res Result

	fixed0, err := ensureSlot(dev, slot0, dotName, selfCluster, stamp)
	if err != nil {
		return res, err
	}
	res.Fixed0 = fixed0

	fixed1, err := ensureSlot(dev, slot1, dotDotName, parentCluster, stamp)
	if err != nil {
		return res, err
	}
	res.Fixed1 = fixed1

	return res, nil
}

// SpliceNewFirstCluster is the escalation path for a directory whose first
// two slots can't simply be overwritten (both are occupied by real entries
// that belong to other files, and there's no safe way to reclaim exactly
// two slots in place). It allocates a free cluster, splices it in as the
// new first cluster of the directory's chain, copies the original first
// cluster's non-dot content into it starting at slot 2, zeroes the original
// first cluster (its content now lives in the new one), and writes fresh
// `.`/`..` entries into the new cluster's slots 0 and 1. It always requests
// a restart, since the directory's on-disk layout has changed out from
// under the in-memory tree.
func SpliceNewFirstCluster(
	dev *ioimg.Device,
	fat *fatio.FAT,
	parentEntry *direntry.Entry,
	oldFirstCluster, grandparentCluster uint32,
	stamp time.Time,
) (newFirstCluster uint32, err error) {
	newC, ok := fat.AllocateFree()
	if !ok {
		return 0, fsckerr.New(fsckerr.ClassRepairable, "no free cluster available to extend directory for `.`/`..` repair")
	}

	oldBase := fat.ClusterStart(oldFirstCluster)
	newBase := fat.ClusterStart(newC)

	oldData, err := dev.ReadAt(oldBase, int(fat.ClusterSize()))
	if err != nil {
		return 0, err
	}

	newData := make([]byte, fat.ClusterSize())
	copy(newData[2*direntry.Size:], oldData[2*direntry.Size:])
	if err := dev.Write(newBase, newData); err != nil {
		return 0, err
	}

	zeroed := make([]byte, fat.ClusterSize())
	if err := dev.Write(oldBase, zeroed); err != nil {
		return 0, err
	}

	if err := fat.SetFAT(newC, oldFirstCluster); err != nil {
		return 0, err
	}
	if _, err := parentEntry.SetStartCluster(dev, newC); err != nil {
		return 0, err
	}

	if _, err := ensureSlot(dev, Slot{Offset: newBase, Exists: false}, dotName, newC, stamp); err != nil {
		return 0, err
	}
	if _, err := ensureSlot(dev, Slot{Offset: newBase + direntry.Size, Exists: false}, dotDotName, grandparentCluster, stamp); err != nil {
		return 0, err
	}

	return newC, nil
}

// ensureSlot rewrites slot in place so its name/attribute/start-cluster
// match what's expected. It never allocates a new cluster itself; callers
// needing the "directory has no room for `.`/`..`" case should check
// slot.Exists before calling and use SpliceNewFirstCluster instead.
func ensureSlot(dev *ioimg.Device, slot Slot, wantName [11]byte, wantCluster uint32, stamp time.Time) (bool, error) {
	if slot.Exists &&
		direntry.ShortNameEquals(slot.Entry.RawNameBytes(), wantName) &&
		slot.Entry.IsDirectory() &&
		slot.Entry.StartCluster() == wantCluster {
		return false, nil
	}

	raw := direntry.NewRaw(wantName, direntry.AttrDirectory, wantCluster, 0, stamp)
	if err := dev.Write(slot.Offset, raw[:]); err != nil {
		return false, err
	}
	return true, nil
}
