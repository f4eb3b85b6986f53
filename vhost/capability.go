// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import "github.com/projectacrn/vhost-devicemodel/memtable"

// NoFD is the sentinel fd value that tells a transport to drop a vring
// kick or call binding, per spec §3/§4.F.
const NoFD = -1

// StatusDriverOK is the guest status bit (spec §6) that gates Start.
const StatusDriverOK = 0x04

// QueueInfo is the subset of one queue's state the front-end exposes
// (spec §6): size, resume position, and the host-virtual ring pointers.
type QueueInfo struct {
	Size           uint32
	LastAvailIndex uint16
	SavedUsedIndex uint16

	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	// NotifyAddress is the guest-visible PIO/MMIO address whose write
	// the hypervisor's ioeventfd binding intercepts for this queue. It
	// is owned by the virtio transport layer (out of scope, spec §1)
	// and only read here to arm the binding.
	NotifyAddress uint64
	// NotifyValue is the datamatch value the ioeventfd binding requires
	// of that write (spec §6 "register_ioeventfd(fd, guest_address,
	// value)"); zero means any write to NotifyAddress matches.
	NotifyValue uint64

	MSIXTableIndex int
}

// MSIEntry is one entry of the front-end's MSI-X table.
type MSIEntry struct {
	Address uint64
	Data    uint32
}

// VirtioBase is the narrow interface this core consumes from the
// front-end (spec §6). The core holds only a non-owning back-reference
// to it; it never owns the base's lifetime.
type VirtioBase interface {
	QueueCount() int
	Queue(i int) QueueInfo
	MSIXEntry(i int) MSIEntry
	// Status returns the guest-written virtio status byte. Start checks
	// StatusDriverOK against it.
	Status() uint8
	// MSIXEnabled reports whether the guest has enabled MSI-X on this
	// device. Start refuses to run without it (spec §4.G, §8).
	MSIXEnabled() bool
	NegotiatedFeatures() FeatureMask
	// SetDeviceCapability masks off, from the front-end's advertised
	// device capability, any bits the backend cannot honor.
	SetDeviceCapability(mask FeatureMask)
	// SetQueueLastAvail writes back the available index the backend
	// reported on stop, so a later start resumes exactly there (spec §8,
	// "stop followed by start restores a running device whose queues
	// resume at the available index they previously reported").
	SetQueueLastAvail(i int, avail uint16)
}

// VringAddr is published to the backend to describe one ring (spec
// §3 "Virtqueue ring descriptor").
type VringAddr struct {
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
	LogAddr   uint64
	Flags     uint32
}

// Capability is the capability set both transports implement (spec §9's
// "function-pointer vtable", expressed here as an interface over two
// concrete variants rather than an open-ended plugin system). The
// Virtqueue state machine (component F) and Device lifecycle (component
// G) drive every device and queue exclusively through this interface.
type Capability interface {
	// Init records the starting index. The kernel transport issues no
	// ioctl here; the user transport also runs its get/set-protocol-
	// features handshake with the backend.
	Init(startIndex int) error
	// Deinit releases transport-private state and closes the backend fd.
	Deinit() error

	GetFeatures() (FeatureMask, error)
	SetFeatures(FeatureMask) error
	SetOwner() error
	// Reset issues whichever reset request this transport supports, if
	// SupportsDeviceReset does not gate it out entirely for this
	// transport (spec §8 scenario 6).
	Reset() error

	SetMemTable(regions []memtable.Region) error

	SetVringNum(queue int, num uint32) error
	SetVringBase(queue int, base uint16) error
	GetVringBase(queue int) (uint16, error)
	SetVringAddr(queue int, addr VringAddr) error
	// SetVringKick/SetVringCall accept NoFD to tell the backend to drop
	// the binding (spec §3 "dropped via a sentinel fd value").
	SetVringKick(queue int, fd int) error
	SetVringCall(queue int, fd int) error

	// SupportsDeviceReset reports whether Reset issues a real
	// device-reset request on this transport, vs. the legacy
	// reset-owner fallback (spec §4.E "Reset semantics").
	SupportsDeviceReset() bool
	// SupportsBusyLoopTimeout reports whether SetBusyLoopTimeout is
	// implemented on this transport.
	SupportsBusyLoopTimeout() bool
	SetBusyLoopTimeout(queue int, timeoutUs uint32) error
}
