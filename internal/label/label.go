// Package label reconciles the volume label recorded in the boot sector
// against any volume-label directory entry (or entries) found in the root
// directory, per the reconciliation table: a handful of prompts when they
// disagree, nothing when they already match.
package label

import (
	"time"

	"github.com/dargueta/fsckfat/internal/bootsector"
	"github.com/dargueta/fsckfat/internal/direntry"
	"github.com/dargueta/fsckfat/internal/fatio"
	"github.com/dargueta/fsckfat/internal/ioimg"
	"github.com/dargueta/fsckfat/internal/runmode"
	"github.com/dargueta/fsckfat/internal/tree"
)

var disallowedLabelBytes = map[byte]bool{
	'"': true, '*': true, '.': true, '/': true, ':': true,
	'<': true, '>': true, '?': true, '\\': true, '|': true,
}

// noNameLabel is the sentinel that means "volume has no label".
var noNameLabel = [11]byte{'N', 'O', ' ', 'N', 'A', 'M', 'E', ' ', ' ', ' ', ' '}

// rootLabel is one volume-label entry found in the root directory.
type rootLabel struct {
	Offset int64
	Name   [11]byte
	Valid  bool
}

// Result reports what the reconciliation pass did, for the summary report.
type Result struct {
	Changed bool
	Note    string
}

// Reconcile implements check_volume_label (spec §4.9).
func Reconcile(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT, mode runmode.Mode, prompter runmode.Prompter) (Result, error) {
	bootValid := isValidLabel(bs.Label)
	bootIsNoName := bs.Label == noNameLabel

	roots, err := findRootLabels(dev, bs, fat)
	if err != nil {
		return Result{}, err
	}

	switch {
	case len(roots) == 0:
		if bootIsNoName {
			return Result{}, nil
		}
		if !bootValid {
			if mode == runmode.ModeInteractive {
				choice := prompter.Prompt("boot-sector label is invalid", []string{"remove boot label", "set new label"}, 0)
				if choice == 1 {
					return Result{}, nil // caller would prompt for new text; out of scope here
				}
			}
			if err := writeBootLabel(dev, bs, noNameLabel); err != nil {
				return Result{}, err
			}
			return Result{Changed: true, Note: "removed invalid boot-sector label"}, nil
		}
		// Valid boot label, no root entry: offer remove or copy-to-root;
		// default (auto mode) copies it into the root directory.
		if mode == runmode.ModeInteractive {
			choice := prompter.Prompt("boot-sector label has no matching root entry", []string{"remove boot label", "copy to root"}, 1)
			if choice == 0 {
				if err := writeBootLabel(dev, bs, noNameLabel); err != nil {
					return Result{}, err
				}
				return Result{Changed: true, Note: "removed boot-sector label"}, nil
			}
		}
		if err := writeRootLabel(dev, bs, fat, bs.Label); err != nil {
			return Result{}, err
		}
		return Result{Changed: true, Note: "copied boot-sector label into the root directory"}, nil

	case len(roots) > 1:
		choice := 1 // auto default: keep first
		if mode == runmode.ModeInteractive {
			choice = prompter.Prompt("multiple volume-label entries in the root directory", []string{"remove all", "keep first", "select one"}, 1)
		}
		keep := roots[0]
		if choice == 2 && mode == runmode.ModeInteractive {
			idx := prompter.Prompt("which entry to keep", labelChoices(roots), 0)
			keep = roots[idx]
		}
		for _, r := range roots {
			if choice == 0 || r.Offset != keep.Offset {
				if err := deleteRootLabel(dev, r); err != nil {
					return Result{}, err
				}
			}
		}
		if choice == 0 {
			return Result{Changed: true, Note: "removed all duplicate volume-label entries"}, nil
		}
		return Result{Changed: true, Note: "kept one volume-label entry, removed the rest"}, nil

	default:
		r := roots[0]
		switch {
		case !r.Valid:
			choice := 0 // default: remove root
			if mode == runmode.ModeInteractive {
				choice = prompter.Prompt("root volume-label entry is invalid", []string{"remove root label", "set new label"}, 0)
			}
			if choice == 0 {
				if err := deleteRootLabel(dev, r); err != nil {
					return Result{}, err
				}
				return Result{Changed: true, Note: "removed invalid root volume-label entry"}, nil
			}
			return Result{}, nil
		case !bootValid:
			// Default: copy root to boot.
			if mode == runmode.ModeInteractive {
				choice := prompter.Prompt("boot-sector label is invalid but root has a valid one", []string{"copy root to boot", "set new label"}, 0)
				if choice == 1 {
					return Result{}, nil
				}
			}
			if err := writeBootLabel(dev, bs, r.Name); err != nil {
				return Result{}, err
			}
			return Result{Changed: true, Note: "copied the root volume label into the boot sector"}, nil
		case r.Name != bs.Label:
			choice := 1 // default: root -> boot
			if mode == runmode.ModeInteractive {
				choice = prompter.Prompt("boot and root volume labels disagree", []string{"boot to root", "root to boot"}, 1)
			}
			if choice == 0 {
				if err := writeRootLabel(dev, bs, fat, bs.Label); err != nil {
					return Result{}, err
				}
				return Result{Changed: true, Note: "copied the boot-sector label into the root directory"}, nil
			}
			if err := writeBootLabel(dev, bs, r.Name); err != nil {
				return Result{}, err
			}
			return Result{Changed: true, Note: "copied the root volume label into the boot sector"}, nil
		default:
			return Result{}, nil
		}
	}
}

func labelChoices(roots []rootLabel) []string {
	out := make([]string, len(roots))
	for i, r := range roots {
		out[i] = direntry.DisplayName(r.Name)
	}
	return out
}

func isValidLabel(name [11]byte) bool {
	if name == noNameLabel {
		return false
	}
	allSpace := true
	for _, b := range name {
		if b != ' ' {
			allSpace = false
		}
		if b < 0x20 || disallowedLabelBytes[b] {
			return false
		}
	}
	return !allSpace
}

func findRootLabels(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT) ([]rootLabel, error) {
	var out []rootLabel
	isFixedRoot := bs.FATBits != 32
	err := tree.IterateDirectory(dev, bs, fat, bs.RootCluster, isFixedRoot, func(offset int64, data []byte) bool {
		if data[0] == 0x00 {
			return false
		}
		if data[0] == 0xE5 {
			return true
		}
		e := direntry.Decode(data, offset)
		if e.IsLFN() || !e.IsVolumeLabel() || e.IsDirectory() {
			return true
		}
		name := e.RawNameBytes()
		out = append(out, rootLabel{Offset: offset, Name: name, Valid: isValidLabel(name)})
		return true
	})
	return out, err
}

func writeBootLabel(dev *ioimg.Device, bs *bootsector.BootSector, name [11]byte) error {
	bs.Label = name
	if err := dev.Write(bs.LabelOffset(), name[:]); err != nil {
		return err
	}
	if bs.BackupBootStart != 0 {
		if err := dev.Write(bs.BackupBootStart+bs.LabelOffset(), name[:]); err != nil {
			return err
		}
	}
	return nil
}

// writeRootLabel updates an existing root label slot if one exists, or
// allocates a fresh free-or-end slot in the root directory for a new one.
func writeRootLabel(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT, name [11]byte) error {
	isFixedRoot := bs.FATBits != 32
	var existingOffset int64 = -1
	var freeOffset int64 = -1

	err := tree.IterateDirectory(dev, bs, fat, bs.RootCluster, isFixedRoot, func(offset int64, data []byte) bool {
		if data[0] == 0x00 {
			if freeOffset < 0 {
				freeOffset = offset
			}
			return false
		}
		if data[0] == 0xE5 {
			if freeOffset < 0 {
				freeOffset = offset
			}
			return true
		}
		e := direntry.Decode(data, offset)
		if !e.IsLFN() && e.IsVolumeLabel() && !e.IsDirectory() {
			existingOffset = offset
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	target := existingOffset
	if target < 0 {
		target = freeOffset
	}
	if target < 0 {
		return writeRootLabelNewSlot(dev, bs, fat, name)
	}

	raw := direntry.NewRaw(name, direntry.AttrVolumeLabel, 0, 0, time.Now())
	return dev.Write(target, raw[:])
}

// writeRootLabelNewSlot handles the (rare) case of a completely full root
// directory: on FAT32 the root chain is extended by one cluster; on
// FAT12/16 the fixed-size root has no room to grow and the label is
// dropped rather than silently overflowing adjacent structures.
func writeRootLabelNewSlot(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT, name [11]byte) error {
	if bs.FATBits != 32 {
		return nil
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
		return nil
	}
	if err := fat.SetFAT(tail, newC); err != nil {
		return err
	}

	zeroed := make([]byte, fat.ClusterSize())
	base := fat.ClusterStart(newC)
	if err := dev.Write(base, zeroed); err != nil {
		return err
	}

	raw := direntry.NewRaw(name, direntry.AttrVolumeLabel, 0, 0, time.Now())
	return dev.Write(base, raw[:])
}

func deleteRootLabel(dev *ioimg.Device, r rootLabel) error {
	e := direntry.Decode(func() []byte {
		var raw [direntry.Size]byte
		copy(raw[:11], r.Name[:])
		raw[11] = direntry.AttrVolumeLabel
		return raw[:]
	}(), r.Offset)
	_, err := e.MarkDeleted(dev)
	return err
}
