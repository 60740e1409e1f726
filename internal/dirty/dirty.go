// Package dirty checks and clears the FAT "improperly unmounted" markers:
// the boot-sector mount-state byte's dirty bit, and the corresponding high
// bit of FAT entry 1 (FAT12 carries neither).
package dirty

import (
	"github.com/dargueta/fsckfat/internal/bootsector"
	"github.com/dargueta/fsckfat/internal/fatio"
	"github.com/dargueta/fsckfat/internal/ioimg"
)

const (
	fat16CleanBit = 0x8000
	fat32CleanBit = 0x08000000
)

func fatCleanBit(width int) (mask uint32, has bool) {
	switch width {
	case 16:
		return fat16CleanBit, true
	case 28: // FAT32's effective width
		return fat32CleanBit, true
	default:
		return 0, false
	}
}

// IsDirty reports whether the volume is marked dirty: the boot-sector bit
// is set, or (on FAT16/32) FAT entry 1's designated high bit is clear.
func IsDirty(bs *bootsector.BootSector, fat *fatio.FAT) bool {
	if bs.DirtyBit() {
		return true
	}
	mask, has := fatCleanBit(fat.Width())
	if !has {
		return false
	}
	return fat.GetFAT(1)&mask == 0
}

// Clean clears both dirty markers via immediate (non-buffered) writes,
// including the backup boot sector on FAT32. Callers should only invoke
// this after a successful, committed repair pass on a read-write run.
func Clean(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT) error {
	offset, newByte := bs.ClearDirtyBit()
	if err := dev.WriteImmediate(int64(offset), []byte{newByte}); err != nil {
		return err
	}
	bs.Raw[offset] = newByte

	if bs.BackupBootStart != 0 {
		if err := dev.WriteImmediate(bs.BackupBootStart+int64(offset), []byte{newByte}); err != nil {
			return err
		}
	}

	if mask, has := fatCleanBit(fat.Width()); has {
		current := fat.GetFAT(1)
		if err := fat.SetFATImmediate(1, current|mask); err != nil {
			return err
		}
	}
	return nil
}
