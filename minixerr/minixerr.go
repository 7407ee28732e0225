// Package minixerr defines the closed taxonomy of error kinds raised by the
// filesystem core, and the wrapped error type that carries one.
package minixerr

import (
	"errors"
	"fmt"
)

// Kind is one member of the fixed error taxonomy a fallible core operation
// may report. Kinds are compared with Is or KindOf, never by string matching.
type Kind int

const (
	// Device
	OpenDeviceFail Kind = iota
	CloseDeviceFail
	ReadFail
	WriteFail

	// Format
	InvalidSuperblock
	FsBroken

	// Resource
	OutOfMemory
	NoSpace
	FreeingUnallocated
	InvalidBmapIndex

	// Name/lookup
	FileNotFound
	FileNameExists
	NameLengthExceeded
	PathTooDeep
	LinkEmpty
	LinkTooLong
	NotDirectory
	NotRegularFile
	DirectoryNotEmpty
	LinkDirectory
	UnlinkDirectory
	MoveToSubdir
	DeleteRootDir

	// State
	InvalidInode
	InvalidFileOffset
	InTransaction
	NotInTransaction
	WriteLocked
)

var names = map[Kind]string{
	OpenDeviceFail:      "OpenDeviceFail",
	CloseDeviceFail:     "CloseDeviceFail",
	ReadFail:            "ReadFail",
	WriteFail:           "WriteFail",
	InvalidSuperblock:   "InvalidSuperblock",
	FsBroken:            "FsBroken",
	OutOfMemory:         "OutOfMemory",
	NoSpace:             "NoSpace",
	FreeingUnallocated:  "FreeingUnallocated",
	InvalidBmapIndex:    "InvalidBmapIndex",
	FileNotFound:        "FileNotFound",
	FileNameExists:      "FileNameExists",
	NameLengthExceeded:  "NameLengthExceeded",
	PathTooDeep:         "PathTooDeep",
	LinkEmpty:           "LinkEmpty",
	LinkTooLong:         "LinkTooLong",
	NotDirectory:        "NotDirectory",
	NotRegularFile:      "NotRegularFile",
	DirectoryNotEmpty:   "DirectoryNotEmpty",
	LinkDirectory:       "LinkDirectory",
	UnlinkDirectory:     "UnlinkDirectory",
	MoveToSubdir:        "MoveToSubdir",
	DeleteRootDir:       "DeleteRootDir",
	InvalidInode:        "InvalidInode",
	InvalidFileOffset:   "InvalidFileOffset",
	InTransaction:       "InTransaction",
	NotInTransaction:    "NotInTransaction",
	WriteLocked:         "WriteLocked",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the concrete error type returned by every fallible core
// operation. Op names the failing operation (e.g. "InodeStore.read"); Err,
// when non-nil, is the underlying cause (a device I/O error, typically).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error that wraps cause.
func Wrap(op string, kind Kind, cause error) error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// Is reports whether the first *Error in err's chain carries the given Kind;
// an *Error it wraps further down is not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
