// Package reclaim disposes of orphan clusters found after a complete tree
// walk: clusters the FAT marks in-use but that no live chain reaches. In
// "reclaim free" mode they're simply zeroed back to the free pool; in
// "reclaim file" mode (salvage) each orphan chain head gets a synthetic
// FSCKnnnnREC entry in the root directory.
package reclaim

import (
	"fmt"
	"time"

	"github.com/dargueta/fsckfat/internal/bootsector"
	"github.com/dargueta/fsckfat/internal/direntry"
	"github.com/dargueta/fsckfat/internal/fatio"
	"github.com/dargueta/fsckfat/internal/ioimg"
	"github.com/dargueta/fsckfat/internal/tree"
)

// Result reports what one reclaim pass did.
type Result struct {
	OrphanClusters int
	FilesCreated   int
}

// orphans returns every cluster number whose disk-observed bit is set but
// whose reachable bit is clear.
func orphans(fat *fatio.FAT) []uint32 {
	var out []uint32
	for c := uint32(2); c < fat.MaxCluster(); c++ {
		if fat.DiskObserved.Get(int(c)) && !fat.Reachable.Get(int(c)) {
			out = append(out, c)
		}
	}
	return out
}

// ReclaimFree zeroes every orphan cluster's FAT entry (unless it's already
// marked bad) and returns how many were reclaimed.
func ReclaimFree(fat *fatio.FAT) (Result, error) {
	count := 0
	for _, c := range orphans(fat) {
		if fat.IsBad(c) {
			continue
		}
		if err := fat.SetFAT(c, 0); err != nil {
			return Result{}, err
		}
		count++
	}
	return Result{OrphanClusters: count}, nil
}

// ReclaimFile salvages orphan chains as recovered files under the
// FSCKnnnnREC naming pattern in the root directory.
func ReclaimFile(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT) (Result, error) {
	orphanSet := orphans(fat)
	isOrphan := make(map[uint32]bool, len(orphanSet))
	for _, c := range orphanSet {
		isOrphan[c] = true
	}

	// Step 1: detach any orphan pointing into reachable territory or to an
	// invalid entry, so no orphan chain escapes the orphan set.
	for _, c := range orphanSet {
		next := fat.GetFAT(c)
		kind := fat.ClassifyValue(next)
		if kind == fatio.KindEOC {
			continue
		}
		if kind != fatio.KindNext || fat.Reachable.Get(int(next)) || !isOrphan[next] {
			if err := fat.SetFAT(c, fat.EOC()); err != nil {
				return Result{}, err
			}
		}
	}

	// Step 2: identify chain heads by walking from each orphan and marking
	// every orphan reached as "not a head" (clear its reachable bit's
	// stand-in, a local visited set doubling as the head/non-head marker).
	isHead := make(map[uint32]bool, len(orphanSet))
	visited := make(map[uint32]bool, len(orphanSet))
	for _, c := range orphanSet {
		isHead[c] = true
	}
	for _, c := range orphanSet {
		if visited[c] {
			continue
		}
		curr := c
		seenThisWalk := map[uint32]bool{}
		steps := uint32(0)
		for isOrphan[curr] && !visited[curr] {
			seenThisWalk[curr] = true
			visited[curr] = true
			steps++
			if steps > fat.MaxCluster() {
				break
			}
			next := fat.GetFAT(curr)
			if fat.ClassifyValue(next) != fatio.KindNext || !isOrphan[next] {
				break
			}
			if seenThisWalk[next] {
				// Cycle entirely within the orphan set: truncate at the
				// predecessor so the walk terminates.
				if err := fat.SetFAT(curr, fat.EOC()); err != nil {
					return Result{}, err
				}
				break
			}
			isHead[next] = false
			curr = next
		}
	}

	created := 0
	counter := 0
	for _, head := range orphanSet {
		if !isHead[head] {
			continue
		}

		length, err := truncateIfReclaimed(fat, isOrphan, head)
		if err != nil {
			return Result{}, err
		}
		if length == 0 {
			continue
		}

		name, err := nextReclaimName(dev, bs, fat, &counter)
		if err != nil {
			return Result{}, err
		}
		if err := createReclaimedFile(dev, bs, fat, name, head, uint32(length)*bs.BytesPerCluster); err != nil {
			return Result{}, err
		}
		for i, c := uint32(0), head; i < uint32(length); i++ {
			fat.Reachable.Set(int(c), true)
			next := fat.GetFAT(c)
			c = next
		}
		created++
	}

	return Result{OrphanClusters: len(orphanSet), FilesCreated: created}, nil
}

// truncateIfReclaimed walks a chain head, counting its length, and detects
// the "multi-head convergence" case where the walk runs into a cluster
// already marked reachable by an earlier reclaimed file this same pass
// (truncating at the predecessor instead).
func truncateIfReclaimed(fat *fatio.FAT, isOrphan map[uint32]bool, head uint32) (int, error) {
	length := 0
	prev := uint32(0)
	curr := head
	for {
		if fat.Reachable.Get(int(curr)) {
			if prev == 0 {
				return 0, nil
			}
			if err := fat.SetFAT(prev, fat.EOC()); err != nil {
				return 0, err
			}
			return length, nil
		}
		length++
		if fat.ClassifyValue(fat.GetFAT(curr)) == fatio.KindEOC {
			break
		}
		prev = curr
		curr = fat.GetFAT(curr)
		if !isOrphan[curr] {
			if err := fat.SetFAT(prev, fat.EOC()); err != nil {
				return 0, err
			}
			break
		}
	}
	return length, nil
}

// nextReclaimName finds the next unused FSCKnnnnREC name, scanning the root
// directory to avoid colliding with a name from an earlier reclaim in this
// same pass or a pre-existing entry.
func nextReclaimName(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT, counter *int) ([11]byte, error) {
	existing := map[[11]byte]bool{}
	isFixedRoot := bs.FATBits != 32
	err := tree.IterateDirectory(dev, bs, fat, bs.RootCluster, isFixedRoot, func(offset int64, data []byte) bool {
		if data[0] == 0x00 {
			return false
		}
		if data[0] != 0xE5 {
			e := direntry.Decode(data, offset)
			if !e.IsLFN() {
				existing[e.RawNameBytes()] = true
			}
		}
		return true
	})
	if err != nil {
		return [11]byte{}, err
	}

	for *counter < 10_000_000 {
		name := reclaimName(*counter)
		*counter++
		if !existing[name] {
			return name, nil
		}
	}
	return [11]byte{}, fmt.Errorf("exhausted FSCKnnnnREC names after 10,000,000 attempts")
}

func reclaimName(counter int) [11]byte {
	var out [11]byte
	s := fmt.Sprintf("FSCK%04dREC", counter%10000)
	copy(out[:], s)
	return out
}

// createReclaimedFile allocates a root-directory slot (extending the root
// chain by one cluster on FAT32 if none is free) and writes the new entry.
func createReclaimedFile(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT, name [11]byte, startCluster, size uint32) error {
	isFixedRoot := bs.FATBits != 32
	var slotOffset int64 = -1

	err := tree.IterateDirectory(dev, bs, fat, bs.RootCluster, isFixedRoot, func(offset int64, data []byte) bool {
		if data[0] == 0x00 || data[0] == 0xE5 {
			slotOffset = offset
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	if slotOffset < 0 {
		if bs.FATBits != 32 {
			return fmt.Errorf("root directory is full, cannot reclaim orphan chain at cluster %d", startCluster)
		}
		tail := bs.RootCluster
		for {
			next, ok := fat.NextCluster(tail)
			if !ok {
				break
			}
			tail = next
		}
		newC, ok := fat.AllocateFree()
		if !ok {
			return fmt.Errorf("no free cluster to extend root directory for reclaimed file")
		}
		if err := fat.SetFAT(tail, newC); err != nil {
			return err
		}
		zeroed := make([]byte, fat.ClusterSize())
		base := fat.ClusterStart(newC)
		if err := dev.Write(base, zeroed); err != nil {
			return err
		}
		slotOffset = base
	}

	raw := direntry.NewRaw(name, direntry.AttrArchive, startCluster, size, time.Now())
	return dev.Write(slotOffset, raw[:])
}
