// Package direntry decodes and mutates 32-byte FAT directory entries: the
// 8.3 short name (with its 0xE5/0x05 deleted-name escapes), attribute
// flags, timestamps, and start-cluster/size fields.
package direntry

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/dargueta/fsckfat/internal/ioimg"
)

// Attribute flags, in the order the on-disk byte defines them.
const (
	AttrReadOnly    = 0x01
	AttrHidden      = 0x02
	AttrSystem      = 0x04
	AttrVolumeLabel = 0x08
	AttrDirectory   = 0x10
	AttrArchive     = 0x20

	// AttrLFNMask is the attribute byte pattern (RO|HIDDEN|SYS|VOLUME) that
	// marks a slot as a long-filename continuation rather than a real entry.
	AttrLFNMask = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel
)

const (
	byteFree        = 0x00
	byteDeleted     = 0xE5
	byteEscapedE5   = 0x05
	Size            = 32
	nameEnd         = 8
	extEnd          = 11
	offAttr         = 11
	offCreateMillis = 13
	offCreateTime   = 14
	offCreateDate   = 16
	offAccessDate   = 18
	offClusterHigh  = 20
	offWriteTime    = 22
	offWriteDate    = 24
	offClusterLow   = 26
	offSize         = 28
)

// Entry is a directory entry bound to its absolute byte offset on the
// device, with mutation going through the pending-change log.
type Entry struct {
	Offset int64
	raw    [Size]byte
}

// Decode parses a 32-byte slice into an Entry anchored at offset.
func Decode(data []byte, offset int64) Entry {
	var e Entry
	e.Offset = offset
	copy(e.raw[:], data[:Size])
	return e
}

// Bytes returns the raw 32-byte on-disk representation.
func (e *Entry) Bytes() [Size]byte {
	return e.raw
}

// IsFree reports whether this slot is unused (first byte 0x00): per spec,
// this also marks the end of the directory.
func (e *Entry) IsFree() bool {
	return e.raw[0] == byteFree
}

// IsDeleted reports whether this slot was deleted (first byte 0xE5).
func (e *Entry) IsDeleted() bool {
	return e.raw[0] == byteDeleted
}

// IsLFN reports whether this slot is a VFAT long-filename continuation.
func (e *Entry) IsLFN() bool {
	return e.raw[offAttr]&AttrLFNMask == AttrLFNMask && e.raw[offAttr] != 0xFF
}

// Attr returns the attribute byte.
func (e *Entry) Attr() uint8 {
	return e.raw[offAttr]
}

// IsDirectory reports whether the directory attribute bit is set.
func (e *Entry) IsDirectory() bool {
	return e.Attr()&AttrDirectory != 0
}

// IsVolumeLabel reports whether the volume-label attribute bit is set.
func (e *Entry) IsVolumeLabel() bool {
	return e.Attr()&AttrVolumeLabel != 0
}

// ShortNameBytes returns the 11-byte 8.3 name, with a leading 0x05 escape
// decoded back to the 0xE5 byte it stands for.
// It does NOT decode the deleted-marker-over-0xE5 substitution (that
// requires the original first byte, which has been overwritten by the
// 0xE5 deletion marker and is unrecoverable); callers that need the literal
// on-disk bytes should use RawNameBytes instead.
func (e *Entry) ShortNameBytes() [11]byte {
	var name [11]byte
	copy(name[:], e.raw[:11])
	if name[0] == byteEscapedE5 {
		name[0] = 0xE5
	}
	return name
}

// RawNameBytes returns the literal on-disk 11 name bytes, unmodified.
func (e *Entry) RawNameBytes() [11]byte {
	var name [11]byte
	copy(name[:], e.raw[:11])
	return name
}

// ShortNameEquals compares two 11-byte short names with explicit
// fixed-width equality (never a NUL-stopping string comparison).
func ShortNameEquals(a, b [11]byte) bool {
	return bytes.Equal(a[:], b[:])
}

// StartCluster returns the entry's first cluster, combining the high and
// low 16-bit halves (the high half is always 0 on FAT12/16).
func (e *Entry) StartCluster() uint32 {
	high := binary.LittleEndian.Uint16(e.raw[offClusterHigh : offClusterHigh+2])
	low := binary.LittleEndian.Uint16(e.raw[offClusterLow : offClusterLow+2])
	return uint32(high)<<16 | uint32(low)
}

// Size returns the declared file size in bytes (0 for a well-formed
// directory entry).
func (e *Entry) Size() uint32 {
	return binary.LittleEndian.Uint32(e.raw[offSize : offSize+4])
}

// CreatedAt, LastModifiedAt, LastAccessedAt decode the entry's timestamp
// fields into time.Time values.
func (e *Entry) CreatedAt() time.Time {
	millis := e.raw[offCreateMillis]
	t := binary.LittleEndian.Uint16(e.raw[offCreateTime : offCreateTime+2])
	d := binary.LittleEndian.Uint16(e.raw[offCreateDate : offCreateDate+2])
	return timestampFromParts(d, t, millis)
}

func (e *Entry) LastModifiedAt() time.Time {
	t := binary.LittleEndian.Uint16(e.raw[offWriteTime : offWriteTime+2])
	d := binary.LittleEndian.Uint16(e.raw[offWriteDate : offWriteDate+2])
	return timestampFromParts(d, t, 0)
}

func (e *Entry) LastAccessedAt() time.Time {
	d := binary.LittleEndian.Uint16(e.raw[offAccessDate : offAccessDate+2])
	return timestampFromParts(d, 0, 0)
}

func dateFromInt(value uint16) (year int, month time.Month, day int) {
	day = int(value & 0x1F)
	month = time.Month((value >> 5) & 0x0F)
	year = 1980 + int(value>>9)
	return
}

func timestampFromParts(datePart, timePart uint16, hundredths uint8) time.Time {
	year, month, day := dateFromInt(datePart)
	seconds := int(timePart&0x1F) * 2
	if hundredths >= 100 {
		seconds++
		hundredths -= 100
	}
	minutes := int((timePart >> 5) & 0x3F)
	hours := int(timePart >> 11)
	nanos := int(hundredths) * 10_000_000

	return time.Date(year, month, day, hours, minutes, seconds, nanos, time.UTC)
}

// Mutate applies fn to a copy of the raw bytes and, if they differ from
// the current on-disk bytes, stages the change through dev's pending-write
// log. It returns whether a change was actually staged.
func (e *Entry) Mutate(dev *ioimg.Device, fn func(raw *[Size]byte)) (bool, error) {
	next := e.raw
	fn(&next)
	if next == e.raw {
		return false, nil
	}
	e.raw = next
	if err := dev.Write(e.Offset, next[:]); err != nil {
		return false, err
	}
	return true, nil
}

// SetAttr is a convenience Mutate wrapper for the common case of changing
// only the attribute byte.
func (e *Entry) SetAttr(dev *ioimg.Device, attr uint8) (bool, error) {
	return e.Mutate(dev, func(raw *[Size]byte) {
		raw[offAttr] = attr
	})
}

// SetStartCluster rewrites the entry's first-cluster field.
func (e *Entry) SetStartCluster(dev *ioimg.Device, cluster uint32) (bool, error) {
	return e.Mutate(dev, func(raw *[Size]byte) {
		binary.LittleEndian.PutUint16(raw[offClusterHigh:offClusterHigh+2], uint16(cluster>>16))
		binary.LittleEndian.PutUint16(raw[offClusterLow:offClusterLow+2], uint16(cluster))
	})
}

// SetSize rewrites the entry's declared size field.
func (e *Entry) SetSize(dev *ioimg.Device, size uint32) (bool, error) {
	return e.Mutate(dev, func(raw *[Size]byte) {
		binary.LittleEndian.PutUint32(raw[offSize:offSize+4], size)
	})
}

// MarkDeleted writes the 0xE5 deleted marker over the first name byte.
func (e *Entry) MarkDeleted(dev *ioimg.Device) (bool, error) {
	return e.Mutate(dev, func(raw *[Size]byte) {
		raw[0] = byteDeleted
	})
}

// Restore clears the 0xE5 deleted marker, replacing it with firstByte (the
// caller's best guess at the original first character, since the true byte
// is unrecoverable once overwritten).
func (e *Entry) Restore(dev *ioimg.Device, firstByte byte) (bool, error) {
	return e.Mutate(dev, func(raw *[Size]byte) {
		raw[0] = firstByte
	})
}

// StampTimestamps copies created/modified/accessed fields from the
// reference time, used when synthesizing `.`/`..` or volume-label entries.
func (e *Entry) StampTimestamps(dev *ioimg.Device, at time.Time) (bool, error) {
	return e.Mutate(dev, func(raw *[Size]byte) {
		d, tm, hund := partsFromTimestamp(at)
		raw[offCreateMillis] = hund
		binary.LittleEndian.PutUint16(raw[offCreateTime:offCreateTime+2], tm)
		binary.LittleEndian.PutUint16(raw[offCreateDate:offCreateDate+2], d)
		binary.LittleEndian.PutUint16(raw[offWriteTime:offWriteTime+2], tm)
		binary.LittleEndian.PutUint16(raw[offWriteDate:offWriteDate+2], d)
		binary.LittleEndian.PutUint16(raw[offAccessDate:offAccessDate+2], d)
	})
}

func partsFromTimestamp(t time.Time) (date, tm uint16, hundredths uint8) {
	year := t.Year()
	if year < 1980 {
		year = 1980
	}
	date = uint16((year-1980)<<9) | uint16(int(t.Month())<<5) | uint16(t.Day())
	tm = uint16(t.Hour()<<11) | uint16(t.Minute()<<5) | uint16(t.Second()/2)
	hundredths = uint8((t.Second() % 2) * 100)
	return
}

// NewRaw builds a fresh 32-byte buffer for a new entry (used when
// synthesizing `.`, `..`, recovered-file, or volume-label entries). name
// must already be the padded 11-byte short name.
func NewRaw(name [11]byte, attr uint8, cluster uint32, size uint32, at time.Time) [Size]byte {
	var raw [Size]byte
	copy(raw[:11], name[:])
	raw[offAttr] = attr
	binary.LittleEndian.PutUint16(raw[offClusterHigh:offClusterHigh+2], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(raw[offClusterLow:offClusterLow+2], uint16(cluster))
	binary.LittleEndian.PutUint32(raw[offSize:offSize+4], size)

	d, tm, hund := partsFromTimestamp(at)
	raw[offCreateMillis] = hund
	binary.LittleEndian.PutUint16(raw[offCreateTime:offCreateTime+2], tm)
	binary.LittleEndian.PutUint16(raw[offCreateDate:offCreateDate+2], d)
	binary.LittleEndian.PutUint16(raw[offWriteTime:offWriteTime+2], tm)
	binary.LittleEndian.PutUint16(raw[offWriteDate:offWriteDate+2], d)
	binary.LittleEndian.PutUint16(raw[offAccessDate:offAccessDate+2], d)
	return raw
}
