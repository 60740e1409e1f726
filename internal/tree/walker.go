package tree

import (
	"fmt"
	"time"

	"github.com/dargueta/fsckfat/internal/bootsector"
	"github.com/dargueta/fsckfat/internal/direntry"
	"github.com/dargueta/fsckfat/internal/dotfix"
	"github.com/dargueta/fsckfat/internal/fatio"
	"github.com/dargueta/fsckfat/internal/ioimg"
	"github.com/dargueta/fsckfat/internal/lfn"
	"github.com/dargueta/fsckfat/internal/pathmatch"
	"github.com/dargueta/fsckfat/internal/runmode"
)

// Validator is implemented by the cluster-chain checker. The walker calls
// it once per non-dot sibling after the directory's own slots have been
// parsed and the `.`/`..` invariant enforced; it never looks inside chain
// logic itself, which is how the two packages avoid an import cycle (chain
// imports tree, never the reverse).
type Validator interface {
	CheckFile(arena *Arena, h Handle) (restart bool, err error)
}

// Anomaly records something the walker noticed and fixed (or flagged) while
// scanning, for the end-of-run summary.
type Anomaly struct {
	Path string
	Note string
}

// Walker owns one full tree-building pass over a volume.
type Walker struct {
	dev       *ioimg.Device
	bs        *bootsector.BootSector
	fat       *fatio.FAT
	mode      runmode.Mode
	prompter  runmode.Prompter
	atari     bool
	validator Validator
	hints     *pathmatch.Matcher

	Arena    *Arena
	Anomalies []Anomaly
}

// NewWalker constructs a Walker ready to build one tree.
func NewWalker(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT, mode runmode.Mode, prompter runmode.Prompter, atari bool, validator Validator) *Walker {
	return &Walker{
		dev:       dev,
		bs:        bs,
		fat:       fat,
		mode:      mode,
		prompter:  prompter,
		atari:     atari,
		validator: validator,
		Arena:     NewArena(),
	}
}

// SetHints installs the -d/-u path-hint matcher for this walk. Left unset,
// hints are simply not applied.
func (w *Walker) SetHints(hints *pathmatch.Matcher) {
	w.hints = hints
}

// WalkRoot builds the full tree starting at the volume's root directory.
// It returns restart=true if a repair altered on-disk directory structure
// in a way that invalidates the tree just built, in which case the caller
// should discard it and call WalkRoot again on a fresh Walker.
func (w *Walker) WalkRoot() (root Handle, restart bool, err error) {
	rootHandle := w.Arena.New(NoHandle, direntry.Entry{}, "", w.bs.RootCluster)
	w.Arena.Get(rootHandle).IsFAT32Root = w.bs.FATBits == 32

	isFixedRoot := w.bs.FATBits != 32
	startCluster := w.bs.RootCluster

	restart, err = w.scanDirectory(rootHandle, startCluster, isFixedRoot, true)
	return rootHandle, restart, err
}

// scanDirectory parses one directory's slots into child nodes, enforces the
// `.`/`..` invariant (for non-root directories), runs sibling name checks,
// invokes the chain validator on every non-directory-dot sibling, and
// recurses into subdirectories.
func (w *Walker) scanDirectory(parent Handle, startCluster uint32, isFixedRoot, isRoot bool) (bool, error) {
	var slots []childSlot
	var iterErr error
	reassembler := lfn.NewReassembler()
	dirComponents := w.Arena.PathComponents(parent)

	err := IterateDirectory(w.dev, w.bs, w.fat, startCluster, isFixedRoot, func(offset int64, data []byte) bool {
		if data[0] == 0x00 {
			if reassembler.DiscardIfOrphaned() {
				w.note(parent, "discarded an orphaned long-filename sequence at end of directory")
			}
			return false
		}
		if data[0] == 0xE5 {
			if w.hints != nil && !direntry.Decode(data, offset).IsDirectory() {
				var onDisk [11]byte
				copy(onDisk[:], data[:11])
				if action, matched, ok := w.hints.Lookup(dirComponents, onDisk); ok && action == pathmatch.ActionUndelete {
					e := direntry.Decode(data, offset)
					if _, restoreErr := e.Restore(w.dev, matched[0]); restoreErr != nil {
						iterErr = restoreErr
						return false
					}
					w.note(parent, "restored a deleted entry via a forced-undelete hint")
					restored := append([]byte(nil), data...)
					restored[0] = matched[0]
					data = restored
				}
			}
			if data[0] == 0xE5 {
				if reassembler.DiscardIfOrphaned() {
					w.note(parent, "discarded a long-filename sequence broken by a deleted entry")
				}
				return true
			}
		}

		e := direntry.Decode(data, offset)
		if e.IsLFN() {
			slot := lfn.DecodeSlot(data, offset)
			if !reassembler.Feed(slot) {
				w.note(parent, "discarded a long-filename sequence with a bad checksum or sequence number")
			}
			return true
		}

		longName := ""
		if name, _, ok := reassembler.Bind(lfn.Checksum(e.RawNameBytes())); ok {
			longName = name
		} else if reassembler.DiscardIfOrphaned() {
			w.note(parent, "discarded a long-filename sequence not bound to any short name")
		}

		if e.IsVolumeLabel() && !e.IsDirectory() {
			// The volume label lives in the root directory but isn't part
			// of the file tree; the label manager reconciles it separately.
			return true
		}

		h := w.Arena.New(parent, e, longName, startCluster)
		w.Arena.AddChild(parent, h)
		slots = append(slots, childSlot{h: h, offset: offset, entry: e})
		return true
	})
	if err != nil {
		return false, err
	}
	if iterErr != nil {
		return false, iterErr
	}

	if !isRoot {
		if restart, err := w.enforceDots(parent, startCluster, slots); err != nil || restart {
			return restart, err
		}
	}

	anyRestart := false
	seenShort := map[[11]byte]bool{}

	for _, s := range slots {
		node := w.Arena.Get(s.h)
		name := node.Entry.RawNameBytes()

		// Slots 0/1 of a non-root directory are `.`/`..`, already verified
		// above; skip the name/duplicate/chain checks for them.
		if !isRoot && len(slots) > 0 && (s.offset == slots[0].offset || (len(slots) > 1 && s.offset == slots[1].offset)) {
			continue
		}

		if w.hints != nil && !node.Entry.IsDirectory() {
			if action, _, ok := w.hints.Lookup(dirComponents, name); ok && action == pathmatch.ActionDrop {
				w.note(parent, "dropped "+w.Arena.Path(s.h)+" via a forced-delete hint")
				if _, err := node.Entry.MarkDeleted(w.dev); err != nil {
					return false, err
				}
				w.Arena.RemoveChild(parent, s.h)
				continue
			}
		}

		if problem := direntry.ValidateShortName(name, w.atari, w.mode == runmode.ModeInteractive); problem != direntry.NameOK {
			w.note(parent, "bad short name at "+w.Arena.Path(s.h)+", deleting entry")
			if _, err := node.Entry.MarkDeleted(w.dev); err != nil {
				return false, err
			}
			w.Arena.RemoveChild(parent, s.h)
			continue
		}

		if seenShort[name] {
			newName, err := w.autoRenameDuplicate(slots)
			if err != nil {
				return false, err
			}
			if _, err := node.Entry.Mutate(w.dev, func(raw *[direntry.Size]byte) {
				copy(raw[:11], newName[:])
			}); err != nil {
				return false, err
			}
			w.note(parent, "duplicate short name at "+w.Arena.Path(s.h)+", auto-renamed")
			name = newName
		}
		seenShort[name] = true

		if w.validator != nil {
			restart, err := w.validator.CheckFile(w.Arena, s.h)
			if err != nil {
				return false, err
			}
			if restart {
				anyRestart = true
			}
		}
	}
	if anyRestart {
		return true, nil
	}

	for _, s := range slots {
		node := w.Arena.Get(s.h)
		if node.Entry.IsDirectory() && !node.Entry.IsDeleted() {
			childStart := node.Entry.StartCluster()
			if childStart == 0 {
				continue // already flagged/repaired by the chain validator
			}
			restart, err := w.scanDirectory(s.h, childStart, false, false)
			if err != nil {
				return false, err
			}
			if restart {
				return true, nil
			}
		}
	}

	return false, nil
}

// childSlot pairs a parsed sibling's arena handle with its on-disk offset
// and decoded entry, for the bookkeeping scanDirectory and enforceDots do
// before the chain validator ever sees the node.
type childSlot struct {
	h      Handle
	offset int64
	entry  direntry.Entry
}

func (w *Walker) enforceDots(parent Handle, selfCluster uint32, slots []childSlot) (bool, error) {
	grandparentCluster := uint32(0)
	if grandparent := w.Arena.Get(w.Arena.Get(parent).Parent); grandparent != nil {
		grandparentCluster = grandparent.Entry.StartCluster()
	}

	var slot0, slot1 dotfix.Slot
	firstClusterBase := w.fat.ClusterStart(selfCluster)
	slot0.Offset = firstClusterBase
	slot1.Offset = firstClusterBase + direntry.Size

	for i, s := range slots {
		if i == 0 {
			slot0 = dotfix.Slot{Offset: s.offset, Entry: s.entry, Exists: true}
		} else if i == 1 {
			slot1 = dotfix.Slot{Offset: s.offset, Entry: s.entry, Exists: true}
		}
	}

	slot0IsForeign := slot0.Exists && !slot0.Entry.IsDeleted() && direntry.DisplayName(slot0.Entry.ShortNameBytes()) != "."
	slot1IsForeign := slot1.Exists && !slot1.Entry.IsDeleted() && direntry.DisplayName(slot1.Entry.ShortNameBytes()) != ".."
	if slot0IsForeign && slot1IsForeign {
		parentEntry := &w.Arena.Get(parent).Entry
		stamp := time.Now()
		if _, err := dotfix.SpliceNewFirstCluster(w.dev, w.fat, parentEntry, selfCluster, grandparentCluster, stamp); err != nil {
			return false, err
		}
		w.note(parent, "extended directory with a new first cluster to make room for `.`/`..`")
		return true, nil
	}

	stamp := time.Now()
	if slot0.Exists {
		stamp = slot0.Entry.CreatedAt()
	}
	res, err := dotfix.CheckDots(w.dev, w.fat, slot0, slot1, selfCluster, grandparentCluster, stamp)
	if err != nil {
		return false, err
	}
	if res.Fixed0 || res.Fixed1 {
		w.note(parent, "repaired `.`/`..` entries")
		return true, nil
	}
	return false, nil
}

// autoRenameDuplicate synthesizes FSCKnnnnmmm (nnnn = counter/1000, mmm =
// counter%1000), scanning siblings until it finds a name none of them use.
// It aborts the whole run after 10,000,000 attempts, matching the fatal
// internal-error case for a pathologically adversarial directory.
func (w *Walker) autoRenameDuplicate(siblings []childSlot) ([11]byte, error) {
	used := make(map[[11]byte]bool, len(siblings))
	for _, s := range siblings {
		used[w.Arena.Get(s.h).Entry.RawNameBytes()] = true
	}

	for counter := 0; counter < 10_000_000; counter++ {
		name := renameCandidate(counter)
		if !used[name] {
			return name, nil
		}
	}
	return [11]byte{}, fmt.Errorf("exhausted FSCKnnnnmmm auto-rename attempts after 10,000,000 tries")
}

func renameCandidate(counter int) [11]byte {
	var out [11]byte
	s := fmt.Sprintf("FSCK%04d%03d", (counter/1000)%10000, counter%1000)
	copy(out[:], s)
	return out
}

func (w *Walker) note(dir Handle, msg string) {
	w.Anomalies = append(w.Anomalies, Anomaly{Path: w.Arena.Path(dir), Note: msg})
}
