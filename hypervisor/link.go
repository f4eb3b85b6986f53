// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hypervisor defines the narrow set of primitives the vhost core
// consumes from the hypervisor: binding a kick eventfd to a guest
// notification address (ioeventfd) and a call eventfd to a guest MSI
// (irqfd). The hypervisor's own syscall layer is out of scope for this
// repository; this package only specifies and drives the interface.
package hypervisor

import (
	"errors"
	"fmt"

	"github.com/projectacrn/vhost-devicemodel/memtable"
)

// Hypervisor is the primitive surface this core consumes. A concrete
// implementation (KVMHypervisor, or a test fake) binds these to whatever
// syscalls the hosting hypervisor exposes.
type Hypervisor interface {
	// RegisterIoeventfd arms fd so that a guest write to address (a PIO
	// port or MMIO offset, depending on the transport the virtio device
	// uses) signals fd instead of trapping into the device-model. value
	// is the datamatch: when non-zero, only a write of exactly that
	// value triggers the signal; zero means any write to address
	// matches.
	RegisterIoeventfd(fd int, address, value uint64) error
	// DeregisterIoeventfd undoes a prior RegisterIoeventfd for the same
	// (fd, address, value) triple.
	DeregisterIoeventfd(fd int, address, value uint64) error

	// RegisterIrqfd arms fd so that a signal on it is delivered to the
	// guest as the MSI described by msiAddress/msiData.
	RegisterIrqfd(fd int, msiAddress uint64, msiData uint32) error
	// DeregisterIrqfd undoes a prior RegisterIrqfd for fd.
	DeregisterIrqfd(fd int) error

	// MemoryWindows enumerates the VM's memory windows: a low window
	// anchored at guest-physical zero, and an optional high window at an
	// architecturally fixed base. The Memory Table Builder lowers these
	// into the neutral region form both transports publish from.
	MemoryWindows() []memtable.Window
}

// MSIEntry is one entry of the front-end's MSI-X table, looked up by the
// virtqueue's recorded table index.
type MSIEntry struct {
	Address uint64
	Data    uint32
}

// Link binds one virtqueue's kick/call eventfds to the hypervisor. It is
// a borrow, not an ownership transfer: the eventfds stay owned by the
// virtqueue handle, and Deregister must run before the fds are closed.
type Link struct {
	hv           Hypervisor
	kickFD       int
	kickAddress  uint64
	kickValue    uint64
	callFD       int
	msi          MSIEntry
	ioeventfdSet bool
	irqfdSet     bool
}

// Register binds the kick eventfd as an ioeventfd and the call eventfd
// as an irqfd. The two registrations are all-or-nothing: if the irqfd
// registration fails after the ioeventfd succeeded, the ioeventfd is
// deregistered before Register returns its error.
func Register(hv Hypervisor, kickFD int, kickAddress, kickValue uint64, callFD int, msi MSIEntry) (*Link, error) {
	l := &Link{
		hv:          hv,
		kickFD:      kickFD,
		kickAddress: kickAddress,
		kickValue:   kickValue,
		callFD:      callFD,
		msi:         msi,
	}

	if err := hv.RegisterIoeventfd(kickFD, kickAddress, kickValue); err != nil {
		return nil, fmt.Errorf("register ioeventfd: %w", err)
	}
	l.ioeventfdSet = true

	if err := hv.RegisterIrqfd(callFD, msi.Address, msi.Data); err != nil {
		// all-or-nothing: undo the ioeventfd before surfacing the error.
		if uerr := hv.DeregisterIoeventfd(kickFD, kickAddress, kickValue); uerr != nil {
			return nil, fmt.Errorf("register irqfd: %w (and ioeventfd unwind failed: %v)", err, uerr)
		}
		l.ioeventfdSet = false
		return nil, fmt.Errorf("register irqfd: %w", err)
	}
	l.irqfdSet = true

	return l, nil
}

// Deregister removes both bindings. It attempts both removals even if
// the first fails, and reports the combination of errors, if any.
func (l *Link) Deregister() error {
	var errs []error
	if l.irqfdSet {
		if err := l.hv.DeregisterIrqfd(l.callFD); err != nil {
			errs = append(errs, fmt.Errorf("deregister irqfd: %w", err))
		}
		l.irqfdSet = false
	}
	if l.ioeventfdSet {
		if err := l.hv.DeregisterIoeventfd(l.kickFD, l.kickAddress, l.kickValue); err != nil {
			errs = append(errs, fmt.Errorf("deregister ioeventfd: %w", err))
		}
		l.ioeventfdSet = false
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
