package dbus

import (
	"fmt"
	"os"
)

// FD is an owned Unix file descriptor, carried inline with a message
// as a unix_fd value.
//
// An FD is owned exclusively by whichever Value holds it: copying an
// FD duplicates the underlying descriptor, and closing a carrier
// closes it. The zero FD is not valid; construct one with NewFD or
// obtain one from a received Value.
type FD struct {
	f *os.File
}

// NewFD takes ownership of f and wraps it as an FD.
func NewFD(f *os.File) *FD {
	if f == nil {
		return nil
	}
	return &FD{f: f}
}

// File returns the underlying *os.File. The returned file is still
// owned by the FD; callers that need an independent copy should use
// [FD.Dup].
func (fd *FD) File() *os.File {
	if fd == nil {
		return nil
	}
	return fd.f
}

// Fd returns the raw file descriptor number.
func (fd *FD) Fd() uintptr {
	if fd == nil {
		return ^uintptr(0)
	}
	return fd.f.Fd()
}

// Dup duplicates the descriptor, returning a new FD with independent
// lifetime.
func (fd *FD) Dup() (*FD, error) {
	if fd == nil {
		return nil, fmt.Errorf("dup of nil file descriptor")
	}
	dup, err := dupFile(fd.f)
	if err != nil {
		return nil, err
	}
	return &FD{f: dup}, nil
}

// Close closes the underlying descriptor. Close is idempotent.
func (fd *FD) Close() error {
	if fd == nil || fd.f == nil {
		return nil
	}
	return fd.f.Close()
}

func dupFile(f *os.File) (*os.File, error) {
	fd, err := dupFd(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("duplicating file descriptor: %w", err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}
