package tree

import (
	"github.com/dargueta/fsckfat/internal/bootsector"
	"github.com/dargueta/fsckfat/internal/fatio"
	"github.com/dargueta/fsckfat/internal/ioimg"
)

// SlotVisitor is called once per 32-byte directory slot. Returning false
// stops iteration early (used when a free/end-of-directory marker is hit).
type SlotVisitor func(offset int64, data []byte) (cont bool)

// IterateDirectory walks every slot of a directory, either the fixed-size
// FAT12/16 root (isFixedRoot) or a cluster chain starting at startCluster.
// It's exported for the handful of other components (the volume-label
// manager, the orphan reclaimer) that need to scan the root directory's
// raw slots outside of a full tree walk.
func IterateDirectory(
	dev *ioimg.Device,
	bs *bootsector.BootSector,
	fat *fatio.FAT,
	startCluster uint32,
	isFixedRoot bool,
	visit SlotVisitor,
) error {
	if isFixedRoot {
		offset := bs.RootStart
		for i := 0; i < bs.RootEntryCountEff(); i++ {
			data, err := dev.ReadAt(offset, 32)
			if err != nil {
				return err
			}
			if !visit(offset, data) {
				return nil
			}
			offset += 32
		}
		return nil
	}

	cluster := startCluster
	dpc := bs.DirentsPerCluster()
	visited := map[uint32]bool{}
	for {
		if visited[cluster] {
			// Cycle in the directory's own chain; the chain validator will
			// deal with this on the owning node. Stop iterating slots.
			return nil
		}
		visited[cluster] = true

		base := fat.ClusterStart(cluster)
		for i := 0; i < dpc; i++ {
			offset := base + int64(i)*32
			data, err := dev.ReadAt(offset, 32)
			if err != nil {
				return err
			}
			if !visit(offset, data) {
				return nil
			}
		}

		next, ok := fat.NextCluster(cluster)
		if !ok {
			return nil
		}
		cluster = next
	}
}
