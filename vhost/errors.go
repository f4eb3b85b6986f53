// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"errors"
	"fmt"
)

// Kind classifies a vhost error per spec §7's taxonomy.
type Kind int

const (
	// CapabilityUnavailable: the selected transport does not implement
	// the requested operation. Not retried.
	CapabilityUnavailable Kind = iota
	// TransportIO: a syscall returned an error. Callers should already
	// have retried EINTR/EAGAIN internally before wrapping one of these.
	TransportIO
	// ProtocolViolation: a reply's framing didn't match the request.
	// The device is considered unusable after this.
	ProtocolViolation
	// StateViolation: a lifecycle precondition wasn't met (no driver-ok,
	// no MSI-X, bad queue index). No partial mutation occurs.
	StateViolation
	// ResourceExhausted: eventfd creation or memory-table allocation
	// failed. Triggers a local unwind.
	ResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case CapabilityUnavailable:
		return "capability-unavailable"
	case TransportIO:
		return "transport-io"
	case ProtocolViolation:
		return "protocol-violation"
	case StateViolation:
		return "state-violation"
	case ResourceExhausted:
		return "resource-exhausted"
	default:
		return "unknown"
	}
}

// Error is the typed error this package and its transports return. Op
// names the operation that failed (e.g. "set-vring-kick"); Err, when
// non-nil, is the underlying cause.
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

// newErr constructs an *Error, wrapping err if non-nil.
func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a vhost *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}

// badState builds the error cause for a lifecycle method invoked outside
// its required precondition state.
func badState(index int, got, want fmt.Stringer) error {
	return fmt.Errorf("queue %d: in state %s, want %s", index, got, want)
}

// combine folds a slice of errors collected during a best-effort
// teardown into a single error, preserving each one's chain so
// errors.As/Is can still recover a Kind from any of them.
func combine(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}
