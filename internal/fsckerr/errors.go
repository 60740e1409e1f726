// Package fsckerr defines the error classification used throughout the
// consistency-checking engine: fatal I/O, fatal logic, fatal on-disk,
// repairable on-disk, and recoverable I/O, per the propagation policy
// the engine follows.
package fsckerr

import (
	"fmt"
)

// Class distinguishes how an error must be propagated.
type Class int

const (
	// ClassFatalIO is a read failure outside Test, a short write, an mmap
	// failure, or device disappearance. Aborts immediately.
	ClassFatalIO Class = iota
	// ClassFatalLogic is an internal invariant violation, such as a cluster
	// accounted to a chain but not found during relinking.
	ClassFatalLogic
	// ClassFatalOnDisk is unrecoverable on-disk corruption, such as both
	// FAT copies failing validation or the FAT32 root starting out of range.
	ClassFatalOnDisk
	// ClassRepairable is an on-disk anomaly with a known repair menu.
	ClassRepairable
	// ClassRecoverableIO is a read-test failure on a single cluster; the
	// engine marks the cluster bad and continues.
	ClassRecoverableIO
)

func (c Class) String() string {
	switch c {
	case ClassFatalIO:
		return "fatal I/O"
	case ClassFatalLogic:
		return "fatal logic"
	case ClassFatalOnDisk:
		return "fatal on-disk"
	case ClassRepairable:
		return "repairable on-disk"
	case ClassRecoverableIO:
		return "recoverable I/O"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every fallible operation in the
// engine. It carries a Class so a single top-level match can decide
// whether to abort, prompt/repair, or just report.
type Error struct {
	class         Class
	message       string
	originalError error
}

func (e *Error) Error() string {
	if e.message != "" {
		return e.message
	}
	return e.class.String()
}

func (e *Error) Unwrap() error {
	return e.originalError
}

// Class reports the error's classification.
func (e *Error) Class() Class {
	return e.class
}

// IsFatal reports whether the error must abort the run immediately.
func (e *Error) IsFatal() bool {
	return e.class == ClassFatalIO || e.class == ClassFatalLogic || e.class == ClassFatalOnDisk
}

// New creates an Error of the given class with a message.
func New(class Class, message string) *Error {
	return &Error{class: class, message: message}
}

// Newf creates an Error of the given class with a formatted message.
func Newf(class Class, format string, args ...any) *Error {
	return &Error{class: class, message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a class and message, preserving the
// original for errors.Unwrap/errors.Is.
func Wrap(class Class, err error, message string) *Error {
	return &Error{
		class:         class,
		message:       fmt.Sprintf("%s: %s", message, err.Error()),
		originalError: err,
	}
}

// WithMessage returns a copy of e with an additional message prefix, chaining
// like the teacher's DriverError.WithMessage.
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		class:         e.class,
		message:       fmt.Sprintf("%s: %s", message, e.Error()),
		originalError: e,
	}
}
