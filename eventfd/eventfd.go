// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eventfd owns the kick/call eventfd pair for one virtqueue.
//
// Each fd is created non-blocking and close-on-exec, in counter (not
// semaphore) semantics, with an initial value of zero. The package does
// not interpret the counter value, only its presence: TestAndClear drains
// whatever count has accumulated and reports only whether the fd was
// readable.
package eventfd

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FD is a single eventfd, non-blocking and close-on-exec.
type FD struct {
	fd int
}

// New creates a non-blocking, close-on-exec eventfd with initial value
// zero, in counter semantics.
func New() (*FD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &FD{fd: fd}, nil
}

// Fd returns the raw file descriptor, for handing to the hypervisor or a
// transport. The FD retains ownership; callers must not close it.
func (e *FD) Fd() int {
	return e.fd
}

// Signal increments the eventfd's counter by one, the same write a
// backend performs to deliver a call notification.
func (e *FD) Signal() error {
	var buf [8]byte
	buf[0] = 1
	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("eventfd write: %w", err)
		}
		return nil
	}
}

// TestAndClear performs a non-blocking read of the counter. It returns
// true if the fd was readable (and drains the pending count); EAGAIN is
// reported as (false, nil), not an error.
func (e *FD) TestAndClear() (bool, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		switch err {
		case nil:
			return true, nil
		case unix.EAGAIN:
			return false, nil
		case unix.EINTR:
			continue
		default:
			return false, fmt.Errorf("eventfd read: %w", err)
		}
	}
}

// Close closes the underlying fd. Close failures are logged by the
// caller, not propagated as fatal: see Pair.Close.
func (e *FD) Close() error {
	return unix.Close(e.fd)
}

// Pair is the kick/call eventfd pair owned by one virtqueue handle.
// Eventfds are created together at virtqueue initialization and closed
// together at teardown; they are never shared across virtqueue handles.
type Pair struct {
	Kick *FD
	Call *FD
}

// NewPair creates both eventfds. If Call creation fails after Kick
// succeeded, Kick is closed before the error is returned: a creation
// failure unwinds any successfully opened peer fd.
func NewPair() (*Pair, error) {
	kick, err := New()
	if err != nil {
		return nil, fmt.Errorf("kick: %w", err)
	}
	call, err := New()
	if err != nil {
		kick.Close()
		return nil, fmt.Errorf("call: %w", err)
	}
	return &Pair{Kick: kick, Call: call}, nil
}

// Close closes both fds. Close failures are reported but not treated as
// fatal by callers; both closes are always attempted.
func (p *Pair) Close() error {
	var errs []error
	if err := p.Kick.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kick: %w", err))
	}
	if err := p.Call.Close(); err != nil {
		errs = append(errs, fmt.Errorf("call: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("eventfd pair close: %v", errs)
	}
	return nil
}
