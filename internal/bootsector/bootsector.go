// Package bootsector parses the FAT boot sector and derives volume
// geometry: FAT bit-width, the location of the FATs, root directory, and
// data area, and the reserved-sector extras (fsinfo, backup boot) that
// only FAT32 carries.
package bootsector

import (
	"encoding/binary"

	"github.com/dargueta/fsckfat/internal/fsckerr"
)

// Variant distinguishes the standard Microsoft rules from the Atari
// variant. In this package it only changes the FAT12/FAT16 choice (see
// determineFAT1216). The end-of-chain and bad-cluster constants are the
// same for both variants, and neither the boot-jump code nor the serial
// number is read.
type Variant int

const (
	VariantMsdos Variant = iota
	VariantAtari
)

// SectorSize is the fixed size of the first (boot) sector read at startup.
const SectorSize = 512

const direntSize = 32

// BootSector is the derived, validated geometry of a FAT volume.
type BootSector struct {
	Raw [SectorSize]byte

	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	Media             uint8

	SectorsPerFAT   uint32
	TotalSectors    uint32
	FATBits         int // 12, 16, or 32
	EffectiveFATBits int // 28 for FAT32, else same as FATBits

	FATStart        int64 // byte offset of the first FAT
	FATSizeBytes    int64 // size in bytes of a single FAT copy
	RootStart       int64 // byte offset of the fixed root dir (FAT12/16 only)
	RootCluster     uint32 // start cluster of the root dir (FAT32 only)
	DataStart       int64 // byte offset of cluster 2
	BytesPerCluster uint32
	TotalClusters   uint32 // C, not including the 2 reserved entries
	MaxCluster      uint32 // C + 2

	FSInfoStart     int64 // 0 if absent (not FAT32)
	BackupBootStart int64 // 0 if absent (not FAT32)

	// MountStateOffset/MountStateMask locate the dirty bit inside Raw.
	MountStateOffset int
	MountStateMask   byte

	Label   [11]byte
	Variant Variant
}

// Parse validates and derives a BootSector from the first 512 bytes of a
// device, per the FAT-width inference rules: if the 16-bit sectors-per-FAT
// field is zero, the volume is FAT32; otherwise the cluster count decides
// FAT12 vs FAT16 (with an Atari-mode override: floppies are always FAT12,
// hard disks always FAT16).
func Parse(data []byte, variant Variant, isFloppy bool) (*BootSector, error) {
	if len(data) < SectorSize {
		return nil, fsckerr.New(fsckerr.ClassFatalOnDisk, "boot sector shorter than 512 bytes")
	}
	if data[510] != 0x55 || data[511] != 0xAA {
		return nil, fsckerr.New(fsckerr.ClassFatalOnDisk, "missing boot sector signature 0x55AA")
	}

	bs := &BootSector{Variant: variant}
	copy(bs.Raw[:], data[:SectorSize])

	bs.BytesPerSector = binary.LittleEndian.Uint16(data[11:13])
	bs.SectorsPerCluster = data[13]
	bs.ReservedSectors = binary.LittleEndian.Uint16(data[14:16])
	bs.NumFATs = data[16]
	bs.RootEntryCount = binary.LittleEndian.Uint16(data[17:19])
	totalSectors16 := binary.LittleEndian.Uint16(data[19:21])
	bs.Media = data[21]
	sectorsPerFAT16 := binary.LittleEndian.Uint16(data[22:24])
	totalSectors32 := binary.LittleEndian.Uint32(data[32:36])

	if err := validateBytesPerSector(bs.BytesPerSector); err != nil {
		return nil, err
	}
	if err := validateSectorsPerCluster(bs.SectorsPerCluster); err != nil {
		return nil, err
	}
	if err := validateMedia(bs.Media); err != nil {
		return nil, err
	}
	if bs.NumFATs == 0 {
		return nil, fsckerr.New(fsckerr.ClassFatalOnDisk, "zero FAT count")
	}

	if totalSectors16 != 0 {
		bs.TotalSectors = uint32(totalSectors16)
	} else {
		bs.TotalSectors = totalSectors32
	}

	rootDirSectors := uint32(
		(uint32(bs.RootEntryCount)*direntSize + uint32(bs.BytesPerSector) - 1) / uint32(bs.BytesPerSector))

	if sectorsPerFAT16 != 0 {
		bs.SectorsPerFAT = uint32(sectorsPerFAT16)
		bs.FATBits = 0 // resolved below once cluster count is known
	} else {
		// FAT32: sectors-per-FAT-32 lives at offset 36, and the extended
		// BPB carries the root cluster, fsinfo sector, and backup boot
		// sector locations.
		bs.SectorsPerFAT = binary.LittleEndian.Uint32(data[36:40])
		bs.RootCluster = binary.LittleEndian.Uint32(data[44:48])
		fsInfoSector := binary.LittleEndian.Uint16(data[48:50])
		backupBootSector := binary.LittleEndian.Uint16(data[50:52])
		bs.FSInfoStart = int64(fsInfoSector) * int64(bs.BytesPerSector)
		bs.BackupBootStart = int64(backupBootSector) * int64(bs.BytesPerSector)
		bs.FATBits = 32
	}

	totalFATSectors := uint32(bs.NumFATs) * bs.SectorsPerFAT
	dataStartSectors := uint32(bs.ReservedSectors) + totalFATSectors + rootDirSectors

	if bs.TotalSectors < dataStartSectors {
		return nil, fsckerr.New(fsckerr.ClassFatalOnDisk, "total sectors smaller than reserved+FAT+root area")
	}
	dataSectors := bs.TotalSectors - dataStartSectors
	totalClusters := dataSectors / uint32(bs.SectorsPerCluster)

	if bs.FATBits == 0 {
		bs.FATBits = determineFAT1216(totalClusters, variant, isFloppy)
	}

	if bs.FATBits == 32 && rootDirSectors != 0 {
		return nil, fsckerr.New(fsckerr.ClassFatalOnDisk, "FAT32 volume has a nonzero fixed root directory size")
	}
	if bs.FATBits != 32 && rootDirSectors == 0 {
		return nil, fsckerr.New(fsckerr.ClassFatalOnDisk, "non-FAT32 volume has a zero-size root directory")
	}

	bs.EffectiveFATBits = bs.FATBits
	if bs.FATBits == 32 {
		bs.EffectiveFATBits = 28
	}

	bs.FATStart = int64(bs.ReservedSectors) * int64(bs.BytesPerSector)
	bs.FATSizeBytes = int64(bs.SectorsPerFAT) * int64(bs.BytesPerSector)
	bs.RootStart = bs.FATStart + int64(totalFATSectors)*int64(bs.BytesPerSector)
	bs.DataStart = bs.RootStart + int64(rootDirSectors)*int64(bs.BytesPerSector)
	bs.BytesPerCluster = uint32(bs.BytesPerSector) * uint32(bs.SectorsPerCluster)
	if bs.BytesPerCluster > 32768 {
		return nil, fsckerr.Newf(fsckerr.ClassFatalOnDisk, "bytes per cluster cannot exceed 32768, got %d", bs.BytesPerCluster)
	}
	bs.TotalClusters = totalClusters
	bs.MaxCluster = totalClusters + 2

	if bs.FATBits == 32 {
		bs.MountStateOffset = 0x41
	} else {
		bs.MountStateOffset = 0x25
	}
	bs.MountStateMask = 0x01

	copy(bs.Label[:], bytesOrSpaces(data, labelOffset(bs.FATBits)))

	return bs, nil
}

func labelOffset(fatBits int) int {
	if fatBits == 32 {
		return 0x47
	}
	return 0x2B
}

func bytesOrSpaces(data []byte, offset int) []byte {
	if offset+11 > len(data) {
		return []byte("           ")
	}
	return data[offset : offset+11]
}

// determineFAT1216 implements the spec's FAT12/16 selection rule, including
// the Atari-mode override (floppies always FAT12, hard disks always FAT16).
func determineFAT1216(totalClusters uint32, variant Variant, isFloppy bool) int {
	if variant == VariantAtari {
		if isFloppy {
			return 12
		}
		return 16
	}
	if totalClusters < 4085 {
		return 12
	}
	return 16
}

func validateBytesPerSector(v uint16) error {
	switch v {
	case 512, 1024, 2048, 4096:
		return nil
	default:
		return fsckerr.Newf(fsckerr.ClassFatalOnDisk, "bad value for BytesPerSector: need 512/1024/2048/4096, got %d", v)
	}
}

func validateSectorsPerCluster(v uint8) error {
	switch v {
	case 1, 2, 4, 8, 16, 32, 64, 128:
		return nil
	default:
		return fsckerr.Newf(fsckerr.ClassFatalOnDisk, "SectorsPerCluster must be a power of 2 in [1,128], got %d", v)
	}
}

func validateMedia(v uint8) error {
	if v == 0xF0 || v >= 0xF8 {
		return nil
	}
	return fsckerr.Newf(fsckerr.ClassFatalOnDisk, "invalid media byte 0x%02X", v)
}

// DirtyBit reports whether the boot sector's mount-state byte has its dirty
// bit set.
func (bs *BootSector) DirtyBit() bool {
	return bs.Raw[bs.MountStateOffset]&bs.MountStateMask != 0
}

// ClearDirtyBit returns the mount-state byte with the dirty bit cleared,
// and its absolute offset within the boot sector.
func (bs *BootSector) ClearDirtyBit() (offset int, newByte byte) {
	return bs.MountStateOffset, bs.Raw[bs.MountStateOffset] &^ bs.MountStateMask
}

// LabelOffset is the absolute byte offset of the 11-byte volume label field
// within the boot sector.
func (bs *BootSector) LabelOffset() int64 {
	return int64(labelOffset(bs.FATBits))
}

// DirentsPerCluster is the number of 32-byte directory entries that fit in
// one cluster.
func (bs *BootSector) DirentsPerCluster() int {
	return int(bs.BytesPerCluster) / direntSize
}

// RootEntryCountEff is the number of directory-entry slots in the fixed
// FAT12/16 root directory. Zero on FAT32.
func (bs *BootSector) RootEntryCountEff() int {
	if bs.FATBits == 32 {
		return 0
	}
	return int(bs.RootEntryCount)
}
