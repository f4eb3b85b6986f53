// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vhostkernel implements the vhost.Capability transport against
// the in-kernel vhost driver reached through the standard Linux vhost
// ioctl surface (spec §4.D).
package vhostkernel

// The vhost ioctl numbers below are the stable Linux kernel ABI
// (include/uapi/linux/vhost.h, type 0xAF). Current mainstream headers
// don't expose these as importable Go constants, so — following the
// same approach kata-containers takes for its ACRN ioctls — the
// pre-computed _IOW/_IOR/_IOWR values are hardcoded directly rather
// than recomputed from the macros at runtime.
const (
	vhostGetFeatures = 0x8008af00 // _IOR(0xAF, 0x00, __u64)
	vhostSetFeatures = 0x4008af00 // _IOW(0xAF, 0x00, __u64)
	vhostSetOwner    = 0x0000af01 // _IO(0xAF, 0x01)
	vhostResetOwner  = 0x0000af02 // _IO(0xAF, 0x02)
	vhostSetMemTable = 0x4008af03 // _IOW(0xAF, 0x03, struct vhost_memory)

	vhostSetVringNum             = 0x4008af10 // _IOW(0xAF, 0x10, struct vhost_vring_state)
	vhostSetVringAddr            = 0x4028af11 // _IOW(0xAF, 0x11, struct vhost_vring_addr)
	vhostSetVringBase            = 0x4008af12 // _IOW(0xAF, 0x12, struct vhost_vring_state)
	vhostGetVringBase            = 0xc008af12 // _IOWR(0xAF, 0x12, struct vhost_vring_state)
	vhostSetVringKick            = 0x4008af20 // _IOW(0xAF, 0x20, struct vhost_vring_file)
	vhostSetVringCall            = 0x4008af21 // _IOW(0xAF, 0x21, struct vhost_vring_file)
	vhostSetVringBusyloopTimeout = 0x4008af23 // _IOW(0xAF, 0x23, struct vhost_vring_state)
)

// vringState mirrors struct vhost_vring_state.
type vringState struct {
	index uint32
	num   uint32
}

// vringFile mirrors struct vhost_vring_file.
type vringFile struct {
	index uint32
	fd    int32
}

// vringAddr mirrors struct vhost_vring_addr.
type vringAddr struct {
	index         uint32
	flags         uint32
	descUserAddr  uint64
	usedUserAddr  uint64
	availUserAddr uint64
	logGuestAddr  uint64
}

// memoryRegion mirrors struct vhost_memory_region.
type memoryRegion struct {
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
	flagsPadding  uint64
}
