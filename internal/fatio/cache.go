package fatio

import (
	"github.com/dargueta/fsckfat/internal/bootsector"
	"github.com/dargueta/fsckfat/internal/ioimg"
)

// windowClusters is the number of FAT32 entries covered by one cache
// window. 4096 entries * 4 bytes/entry = 16 KiB read per window.
const windowClusters = 4096

// FAT32Cache is a windowed, read-through view of a FAT32 volume's
// authoritative FAT copy that re-derives an entry's value from the device,
// bypassing the in-memory reconciled entries array. Each Peek reads the
// current window with the device's ReadAt, so any in-flight pending write
// in the change log is patched in before the raw bytes are interpreted.
// It does not memory-map the FAT, and no other package constructs one.
type FAT32Cache struct {
	dev          *ioimg.Device
	bs           *bootsector.BootSector
	authFATIndex int

	windowStart uint32 // first cluster covered by the current window
	windowCount uint32 // number of clusters covered
}

// NewFAT32Cache constructs a cache over the authoritative FAT copy.
func NewFAT32Cache(dev *ioimg.Device, bs *bootsector.BootSector, authFATIndex int) *FAT32Cache {
	return &FAT32Cache{dev: dev, bs: bs, authFATIndex: authFATIndex}
}

// windowFor computes the [start, start+count) range covering cluster c.
// Windows start at multiples of windowClusters, so the first one starts at
// cluster 0 with the full length; only the last window is shortened, to
// whatever remains below maxCluster.
func (c *FAT32Cache) windowFor(cluster uint32, maxCluster uint32) (start, count uint32) {
	start = (cluster / windowClusters) * windowClusters
	count = windowClusters
	if start+count > maxCluster {
		count = maxCluster - start
	}
	return start, count
}

// covers reports whether the current window covers cluster c.
func (c *FAT32Cache) covers(cluster uint32) bool {
	return c.windowCount > 0 && cluster >= c.windowStart && cluster < c.windowStart+c.windowCount
}

// Peek returns the raw, authoritative-copy value of a FAT32 entry, patched
// against any pending writes, independent of the caller's own bookkeeping.
func (c *FAT32Cache) Peek(cluster uint32, maxCluster uint32) (uint32, error) {
	if !c.covers(cluster) {
		start, count := c.windowFor(cluster, maxCluster)
		c.windowStart = start
		c.windowCount = count
	}

	base := c.bs.FATStart + int64(c.authFATIndex)*c.bs.FATSizeBytes
	off := base + int64(c.windowStart)*4
	length := int(c.windowCount) * 4

	buf, err := c.dev.ReadAt(off, length)
	if err != nil {
		return 0, err
	}

	return readEntry(buf, cluster-c.windowStart, 32), nil
}
