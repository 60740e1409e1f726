// Package ioimg implements byte-level I/O against a FAT volume — a raw
// block device or image file — with a buffered pending-write log sitting
// in front of it. Reads are patched against any writes that have not yet
// been committed, so every other package sees a single consistent view of
// the volume regardless of whether changes have been flushed.
package ioimg

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dargueta/fsckfat/internal/fsckerr"
)

// Device wraps a disk image or block device with a pending-change log.
//
// Every exported method is safe to call only from a single goroutine; the
// engine is single-threaded by design (see the concurrency model in the
// specification this module implements).
type Device struct {
	path     string
	file     *os.File
	size     int64
	readOnly bool

	log *changeLog

	mmapData []byte
	mmapOff  int64

	sigOnce sync.Once
}

// Open opens path for reading, and for writing too when readWrite is true.
func Open(path string, readWrite bool) (*Device, error) {
	flag := os.O_RDONLY
	if readWrite {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fsckerr.Wrap(fsckerr.ClassFatalIO, err, "cannot open device")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fsckerr.Wrap(fsckerr.ClassFatalIO, err, "cannot stat device")
	}

	d := &Device{
		path:     path,
		file:     f,
		size:     info.Size(),
		readOnly: !readWrite,
		log:      newChangeLog(),
	}
	d.installSigbusHandler()
	return d, nil
}

// Size returns the size of the underlying device, in bytes.
func (d *Device) Size() int64 {
	return d.size
}

// ReadAt reads length bytes starting at pos, patching in any bytes from the
// pending-change log that overlap the requested range.
func (d *Device) ReadAt(pos int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := d.file.ReadAt(buf, pos)
	if err != nil && err != io.EOF {
		return nil, fsckerr.Wrap(fsckerr.ClassFatalIO, err, "read failed")
	}
	if n < length {
		return nil, fsckerr.Newf(fsckerr.ClassFatalIO, "short read at offset %d: got %d of %d bytes", pos, n, length)
	}

	d.log.patch(pos, buf)
	return buf, nil
}

// Test is a read-only probe used for bad-block detection. Unlike ReadAt, a
// read failure here is not fatal: it is reported as false.
func (d *Device) Test(pos int64, length int) bool {
	buf := make([]byte, length)
	n, err := d.file.ReadAt(buf, pos)
	if err != nil && err != io.EOF {
		return false
	}
	return n == length
}

// Write stages a deferred write into the pending-change log. It is not
// visible on disk until Flush(true) is called, but subsequent ReadAt calls
// will see it immediately.
func (d *Device) Write(pos int64, data []byte) error {
	if d.readOnly {
		return fsckerr.New(fsckerr.ClassFatalLogic, "attempted write on a read-only device")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	d.log.add(pos, cp)
	return nil
}

// WriteImmediate commits a write directly to the device, bypassing the
// pending-change log entirely. This is reserved for the dirty-flag clean
// step so the dirty bit is the last thing flipped.
func (d *Device) WriteImmediate(pos int64, data []byte) error {
	if d.readOnly {
		return fsckerr.New(fsckerr.ClassFatalLogic, "attempted write on a read-only device")
	}
	n, err := d.file.WriteAt(data, pos)
	if err != nil {
		return fsckerr.Wrap(fsckerr.ClassFatalIO, err, "immediate write failed")
	}
	if n != len(data) {
		return fsckerr.Newf(fsckerr.ClassFatalIO, "short write at offset %d: wrote %d of %d bytes", pos, n, len(data))
	}
	return nil
}

// Mmap maps a window of the device into memory, replacing any previous
// mapping; offset must be page-aligned. The mapped bytes are the on-disk
// contents and are not patched against the pending-change log. The FAT32
// cache in internal/fatio does not use it; it reads through ReadAt.
func (d *Device) Mmap(offset int64, length int) ([]byte, error) {
	if d.mmapData != nil {
		if err := d.Munmap(); err != nil {
			return nil, err
		}
	}

	prot := syscall.PROT_READ
	if !d.readOnly {
		prot |= syscall.PROT_WRITE
	}

	data, err := syscall.Mmap(int(d.file.Fd()), offset, length, prot, syscall.MAP_SHARED)
	if err != nil {
		return nil, fsckerr.Wrap(fsckerr.ClassFatalIO, err, "mmap failed")
	}

	d.mmapData = data
	d.mmapOff = offset
	return data, nil
}

// Munmap releases the current mmap window, if any.
func (d *Device) Munmap() error {
	if d.mmapData == nil {
		return nil
	}
	err := syscall.Munmap(d.mmapData)
	d.mmapData = nil
	if err != nil {
		return fsckerr.Wrap(fsckerr.ClassFatalIO, err, "munmap failed")
	}
	return nil
}

// Changed reports whether there are any pending writes that have not been
// committed or discarded.
func (d *Device) Changed() bool {
	return d.log.changed
}

// Flush commits the pending-change log to the device in ascending offset
// order when commit is true, or discards it otherwise. It returns whether
// any change had been pending.
func (d *Device) Flush(commit bool) (bool, error) {
	changed := d.log.changed
	if !commit {
		d.log = newChangeLog()
		return changed, nil
	}

	for _, rec := range d.log.records {
		n, err := d.file.WriteAt(rec.data, rec.offset)
		if err != nil {
			return changed, fsckerr.Wrap(fsckerr.ClassFatalIO, err, "flush write failed")
		}
		if n != len(rec.data) {
			return changed, fsckerr.Newf(fsckerr.ClassFatalIO, "short flush write at offset %d", rec.offset)
		}
	}
	d.log = newChangeLog()
	return changed, nil
}

// Close releases the mmap window, if any, and closes the underlying file.
func (d *Device) Close() error {
	_ = d.Munmap()
	return d.file.Close()
}

// installSigbusHandler traps SIGBUS during mmap access and treats it as
// device disappearance: the process exits with a descriptive error. This
// mirrors the "fatal I/O" class's abort semantics for an async fault that
// cannot be returned as a normal error.
func (d *Device) installSigbusHandler() {
	d.sigOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGBUS)
		go func() {
			<-ch
			fmt.Fprintf(os.Stderr, "fatal: device %s disappeared while mapped (SIGBUS)\n", d.path)
			os.Exit(64)
		}()
	})
}
