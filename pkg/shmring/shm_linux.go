//go:build linux

package shmring

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Keys identifies a ring's two SysV segments.
type Keys struct {
	Header int
	Buffer int
}

// Attach attaches to an existing ring read-only. The acquisition process
// owns the segments; if they do not exist the pipeline is meaningless and
// the error is fatal to the caller.
func Attach(keys Keys, geo Geometry) (*Ring, error) {
	if err := geo.validate(); err != nil {
		return nil, err
	}
	hdrID, err := unix.SysvShmGet(keys.Header, geo.HeaderBytes(), 0)
	if err != nil {
		return nil, fmt.Errorf("header segment (key %d) does not exist: %w", keys.Header, err)
	}
	bufID, err := unix.SysvShmGet(keys.Buffer, geo.BufferBytes(), 0)
	if err != nil {
		return nil, fmt.Errorf("buffer segment (key %d) does not exist: %w", keys.Buffer, err)
	}
	return attach(hdrID, bufID, geo, unix.SHM_RDONLY)
}

// Create creates (or reuses) a ring's segments read-write and zeroes its
// cursors. Used for the output ring, which this process owns.
func Create(keys Keys, geo Geometry) (*Ring, error) {
	if err := geo.validate(); err != nil {
		return nil, err
	}
	hdrID, err := unix.SysvShmGet(keys.Header, geo.HeaderBytes(), unix.IPC_CREAT|0o666)
	if err != nil {
		return nil, fmt.Errorf("create header segment (key %d): %w", keys.Header, err)
	}
	bufID, err := unix.SysvShmGet(keys.Buffer, geo.BufferBytes(), unix.IPC_CREAT|0o666)
	if err != nil {
		return nil, fmt.Errorf("create buffer segment (key %d): %w", keys.Buffer, err)
	}
	return attach(hdrID, bufID, geo, 0)
}

func attach(hdrID, bufID int, geo Geometry, flag int) (*Ring, error) {
	hdr, err := unix.SysvShmAttach(hdrID, 0, flag)
	if err != nil {
		return nil, fmt.Errorf("attach header segment (id %d): %w", hdrID, err)
	}
	buf, err := unix.SysvShmAttach(bufID, 0, flag)
	if err != nil {
		unix.SysvShmDetach(hdr)
		return nil, fmt.Errorf("attach buffer segment (id %d): %w", bufID, err)
	}
	r := &Ring{geo: geo, hdr: hdr, buf: buf}
	r.overlay()
	r.detachFn = func() error {
		herr := unix.SysvShmDetach(hdr)
		berr := unix.SysvShmDetach(buf)
		if herr != nil {
			return herr
		}
		return berr
	}
	return r, nil
}
