// Package chain walks and validates the cluster chain belonging to one
// directory entry at a time: directory sanity, volume-label/start-cluster
// sanity, out-of-range starts, cross-link/cycle/bad-cluster detection and
// repair, and file-size reconciliation. It implements tree.Validator so the
// directory walker can call it without either package importing the other's
// internals beyond that one interface.
package chain

import (
	"strconv"

	"github.com/dargueta/fsckfat/internal/direntry"
	"github.com/dargueta/fsckfat/internal/fatio"
	"github.com/dargueta/fsckfat/internal/fsckerr"
	"github.com/dargueta/fsckfat/internal/ioimg"
	"github.com/dargueta/fsckfat/internal/runmode"
	"github.com/dargueta/fsckfat/internal/tree"
)

// ownerClaim records which node currently owns a cluster and where in that
// node's chain it sits, so a later cross-link against the same cluster can
// be resolved (and, if the earlier owner is the one truncated, its tail
// can be un-claimed) without re-walking the whole tree to find it.
type ownerClaim struct {
	handle tree.Handle
	index  int
	prev   uint32
}

// Checker is one pass's chain validator. It accumulates cluster ownership
// as the directory walker calls CheckFile on each sibling in turn.
type Checker struct {
	dev      *ioimg.Device
	fat      *fatio.FAT
	mode     runmode.Mode
	prompter runmode.Prompter

	owner      map[uint32]ownerClaim
	chainOf    map[tree.Handle][]uint32
	Anomalies  []string
}

// NewChecker constructs a Checker for one pass over a volume already loaded
// into fat.
func NewChecker(dev *ioimg.Device, fat *fatio.FAT, mode runmode.Mode, prompter runmode.Prompter) *Checker {
	return &Checker{
		dev:      dev,
		fat:      fat,
		mode:     mode,
		prompter: prompter,
		owner:    make(map[uint32]ownerClaim),
		chainOf:  make(map[tree.Handle][]uint32),
	}
}

// CheckFile implements tree.Validator.
func (c *Checker) CheckFile(arena *tree.Arena, h tree.Handle) (bool, error) {
	node := arena.Get(h)
	entry := &node.Entry
	name := direntry.DisplayName(entry.ShortNameBytes())
	isDot := name == "."
	isDotDot := name == ".."

	containingDirStart := node.ClusterDirStart
	grandparentDirStart := uint32(0)
	if containingDirNode := arena.Get(node.Parent); containingDirNode != nil {
		if gp := arena.Get(containingDirNode.Parent); gp != nil {
			grandparentDirStart = gp.Entry.StartCluster()
		}
	}

	// 1. Directory sanity.
	if entry.IsDirectory() {
		if entry.Size() != 0 {
			if _, err := entry.SetSize(c.dev, 0); err != nil {
				return false, err
			}
			c.note(name, "directory entry had a non-zero size, reset to 0")
		}

		switch {
		case isDot:
			if entry.StartCluster() != containingDirStart {
				if _, err := entry.SetStartCluster(c.dev, containingDirStart); err != nil {
					return false, err
				}
				c.note(name, "`.` start cluster didn't match its directory, fixed")
			}
		case isDotDot:
			if entry.StartCluster() != grandparentDirStart {
				if _, err := entry.SetStartCluster(c.dev, grandparentDirStart); err != nil {
					return false, err
				}
				c.note(name, "`..` start cluster didn't match the parent directory, fixed")
			}
		default:
			s := entry.StartCluster()
			if s == containingDirStart || s == grandparentDirStart || s == 0 {
				if _, err := entry.MarkDeleted(c.dev); err != nil {
					return false, err
				}
				c.note(name, "directory entry's start cluster aliased its own directory, deleted")
				return false, nil
			}
		}
	}

	// 2. Volume label with a non-zero start cluster.
	if entry.IsVolumeLabel() && !entry.IsDirectory() && entry.StartCluster() != 0 {
		if _, err := entry.SetStartCluster(c.dev, 0); err != nil {
			return false, err
		}
		c.note(name, "volume label entry had a non-zero start cluster, reset")
	}

	s := entry.StartCluster()

	// 3. Start beyond max_cluster.
	if s != 0 && s >= c.fat.MaxCluster() {
		if node.IsFAT32Root {
			return false, fsckerr.New(fsckerr.ClassFatalOnDisk, "FAT32 root's start cluster is out of range")
		}
		if entry.IsDirectory() {
			if _, err := entry.MarkDeleted(c.dev); err != nil {
				return false, err
			}
			c.note(name, "directory's start cluster is out of range, deleted")
			return false, nil
		}
		if _, err := entry.SetStartCluster(c.dev, 0); err != nil {
			return false, err
		}
		if _, err := entry.SetSize(c.dev, 0); err != nil {
			return false, err
		}
		c.note(name, "file's start cluster is out of range, truncated to empty")
		return false, nil
	}

	if s == 0 {
		// No clusters to walk; size reconciliation below still applies with
		// clusters == 0.
		return c.reconcileSize(entry, name, 0)
	}

	restart, err := c.walkChain(arena, h, entry, name, s)
	if err != nil {
		return false, err
	}
	return restart, nil
}

// walkChain implements step 4 (chain walk) and step 5 (size reconciliation).
func (c *Checker) walkChain(arena *tree.Arena, h tree.Handle, entry *direntry.Entry, name string, start uint32) (bool, error) {
	restart := false
	clusters := 0
	prev := uint32(0)
	curr := start
	var list []uint32

	for {
		nextVal := c.fat.GetFAT(curr)
		kind := c.fat.ClassifyValue(nextVal)

		if kind == fatio.KindFree || kind == fatio.KindBad || kind == fatio.KindOutOfRange {
			if err := c.detach(prev, entry, name); err != nil {
				return false, err
			}
			break
		}

		if existing, crossed := c.owner[curr]; crossed {
			stopCurrent, r, err := c.resolveCrossLink(arena, h, name, curr, existing)
			if err != nil {
				return false, err
			}
			if r {
				restart = true
			}
			if stopCurrent {
				if err := c.truncateAt(prev, entry, uint32(clusters)); err != nil {
					return false, err
				}
				c.note(name, "cross-linked with another file, this chain was truncated")
				break
			}
		}

		c.fat.Reachable.Set(int(curr), true)
		c.owner[curr] = ownerClaim{handle: h, index: clusters, prev: prev}
		list = append(list, curr)
		clusters++
		prev = curr

		if kind == fatio.KindEOC {
			break
		}
		curr = nextVal
	}
	c.chainOf[h] = list

	sizeRestart, err := c.reconcileSize(entry, name, clusters)
	if err != nil {
		return false, err
	}
	return restart || sizeRestart, nil
}

// truncateAt detaches a chain at prev (the last cluster it keeps), setting
// FAT[prev] = EOC, or resetting the entry's start cluster to 0 if prev == 0
// (the very first cluster was the one being dropped), and reconciles size
// to keptClusters * cluster_size.
func (c *Checker) truncateAt(prev uint32, entry *direntry.Entry, keptClusters uint32) error {
	if prev == 0 {
		if _, err := entry.SetStartCluster(c.dev, 0); err != nil {
			return err
		}
	} else if err := c.fat.SetFAT(prev, c.fat.EOC()); err != nil {
		return err
	}
	if !entry.IsDirectory() {
		if _, err := entry.SetSize(c.dev, keptClusters*uint32(c.fat.ClusterSize())); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) detach(prev uint32, entry *direntry.Entry, name string) error {
	clusters := uint32(0)
	if existing, ok := c.owner[prev]; ok {
		clusters = uint32(existing.index + 1)
	}
	if err := c.truncateAt(prev, entry, clusters); err != nil {
		return err
	}
	c.note(name, "chain contains a bad or free cluster, truncated")
	return nil
}

// resolveCrossLink handles a cluster claimed by two chains: the one already
// recorded in c.owner (existing) and the one currently being walked (h).
// It returns stopCurrent (the in-progress walk for h must truncate at its
// predecessor and stop) and restart (a directory's chain was altered).
func (c *Checker) resolveCrossLink(arena *tree.Arena, h tree.Handle, name string, shared uint32, existing ownerClaim) (stopCurrent, restart bool, err error) {
	currentNode := arena.Get(h)
	ownerNode := arena.Get(existing.handle)

	truncateOwner := false
	switch {
	case ownerNode.IsFAT32Root:
		truncateOwner = false // truncate the other (current)
	case currentNode.IsFAT32Root:
		truncateOwner = true
	case c.mode == runmode.ModeInteractive:
		choice := c.prompter.Prompt(
			"cluster "+strconv.Itoa(int(shared))+" is shared between two chains", []string{"truncate first", "truncate second"}, 1)
		truncateOwner = choice == 0
	default:
		truncateOwner = false // truncate the second (the current walker)
	}

	if truncateOwner {
		restart, err = c.truncateVictim(arena, existing.handle, existing, name)
		return false, restart, err
	}
	return true, false, nil
}

// truncateVictim truncates the previously-walked chain `victim` at the
// shared cluster, reclaiming its tail.
func (c *Checker) truncateVictim(arena *tree.Arena, victim tree.Handle, at ownerClaim, name string) (bool, error) {
	victimNode := arena.Get(victim)
	victimEntry := &victimNode.Entry

	if at.prev == 0 {
		if _, err := victimEntry.SetStartCluster(c.dev, 0); err != nil {
			return false, err
		}
	} else if err := c.fat.SetFAT(at.prev, c.fat.EOC()); err != nil {
		return false, err
	}

	if _, err := victimEntry.SetSize(c.dev, uint32(at.index)*uint32(c.fat.ClusterSize())); err != nil {
		return false, err
	}

	if tail, ok := c.chainOf[victim]; ok && at.index < len(tail) {
		for _, cl := range tail[at.index:] {
			c.fat.Reachable.Set(int(cl), false)
			delete(c.owner, cl)
		}
		c.chainOf[victim] = tail[:at.index]
	}

	c.note(name, "cross-linked with another file, the other chain was truncated")

	if victimNode.Entry.IsDirectory() {
		return true, nil
	}
	return false, nil
}

// reconcileSize implements step 5: the declared size of a regular file must
// correspond exactly to the number of clusters in its chain.
func (c *Checker) reconcileSize(entry *direntry.Entry, name string, clusters int) (bool, error) {
	if entry.IsDirectory() {
		return false, nil
	}
	clusterSize := uint32(c.fat.ClusterSize())
	size := entry.Size()
	lowerBound := uint32(0)
	if clusters > 0 {
		lowerBound = uint32(clusters-1) * clusterSize
	}
	upperBound := uint32(clusters) * clusterSize

	if size <= lowerBound && clusters > 0 || size > upperBound {
		if _, err := entry.SetSize(c.dev, upperBound); err != nil {
			return false, err
		}
		c.note(name, "file size didn't match its cluster chain length, fixed")
	}
	return false, nil
}

func (c *Checker) note(name, msg string) {
	c.Anomalies = append(c.Anomalies, name+": "+msg)
}
