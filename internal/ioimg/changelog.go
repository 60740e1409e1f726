package ioimg

import (
	"sort"

	"github.com/noxer/bytewriter"
)

// record is one entry in the pending-change log: a byte range not yet
// committed to the device.
type record struct {
	offset int64
	data   []byte
}

func (r record) end() int64 {
	return r.offset + int64(len(r.data))
}

// changeLog holds an ordered, non-overlapping, merged sequence of pending
// writes. Records are always kept sorted by offset with disjoint ranges.
type changeLog struct {
	records []record
	changed bool
}

func newChangeLog() *changeLog {
	return &changeLog{}
}

// add merges a new write into the log, coalescing with any overlapping or
// adjacent existing records.
func (c *changeLog) add(offset int64, data []byte) {
	c.changed = true
	newRec := record{offset: offset, data: data}

	idx := sort.Search(len(c.records), func(i int) bool {
		return c.records[i].end() >= newRec.offset
	})

	start := idx
	end := idx
	for end < len(c.records) && c.records[end].offset <= newRec.end() {
		end++
	}

	if start == end {
		c.records = insertRecord(c.records, start, newRec)
		return
	}

	merged := mergeRecords(c.records[start:end], newRec)
	tail := append([]record{}, c.records[end:]...)
	c.records = append(append(c.records[:start], merged), tail...)
}

// mergeRecords coalesces a run of existing overlapping/adjacent records
// with a new record into a single merged record.
func mergeRecords(existing []record, newRec record) record {
	lo := newRec.offset
	hi := newRec.end()
	for _, r := range existing {
		if r.offset < lo {
			lo = r.offset
		}
		if r.end() > hi {
			hi = r.end()
		}
	}

	buf := make([]byte, hi-lo)
	w := bytewriter.New(buf)
	for _, r := range existing {
		w.WriteAt(r.data, r.offset-lo)
	}
	w.WriteAt(newRec.data, newRec.offset-lo)

	return record{offset: lo, data: buf}
}

func insertRecord(records []record, idx int, r record) []record {
	records = append(records, record{})
	copy(records[idx+1:], records[idx:])
	records[idx] = r
	return records
}

// patch overwrites the portions of buf (representing a read starting at
// pos) with any logged pending-write bytes that overlap it.
func (c *changeLog) patch(pos int64, buf []byte) {
	readEnd := pos + int64(len(buf))

	for _, r := range c.records {
		if r.end() <= pos || r.offset >= readEnd {
			continue
		}

		overlapStart := max64(pos, r.offset)
		overlapEnd := min64(readEnd, r.end())

		copy(
			buf[overlapStart-pos:overlapEnd-pos],
			r.data[overlapStart-r.offset:overlapEnd-r.offset],
		)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
