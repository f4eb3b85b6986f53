// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostkernel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/projectacrn/vhost-devicemodel/memtable"
	"github.com/projectacrn/vhost-devicemodel/vhost"
)

// Transport implements vhost.Capability over an already-opened vhost
// character device fd (e.g. /dev/vhost-net, /dev/vhost-vsock). It is
// stateless beyond the fd and the recorded starting queue index: no
// queued messages, no reply machinery (spec §4.D).
type Transport struct {
	fd         int
	startIndex int
}

// New wraps an already-opened vhost character device fd. Opening it is
// the caller's responsibility; this transport never opens or dups fds
// on its own beyond what Deinit closes.
func New(fd int) *Transport {
	return &Transport{fd: fd}
}

func (t *Transport) ioctl(request uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), request, arg)
	if errno != 0 {
		return fmt.Errorf("ioctl %#x: %w", request, errno)
	}
	return nil
}

// Init records the fd and starting index; it issues no ioctl of its own.
func (t *Transport) Init(startIndex int) error {
	t.startIndex = startIndex
	return nil
}

// Deinit closes the backend fd.
func (t *Transport) Deinit() error {
	return unix.Close(t.fd)
}

func (t *Transport) GetFeatures() (vhost.FeatureMask, error) {
	var features uint64
	if err := t.ioctl(vhostGetFeatures, uintptr(unsafe.Pointer(&features))); err != nil {
		return 0, err
	}
	return vhost.FeatureMask(features), nil
}

func (t *Transport) SetFeatures(mask vhost.FeatureMask) error {
	features := uint64(mask)
	return t.ioctl(vhostSetFeatures, uintptr(unsafe.Pointer(&features)))
}

func (t *Transport) SetOwner() error {
	return t.ioctl(vhostSetOwner, 0)
}

// Reset issues the legacy reset-owner ioctl: the kernel transport has no
// true device-reset request (spec §4.E "only these two reset paths
// exist"; this is the other one). SupportsDeviceReset reports false, so
// Device.Stop never calls this on the kernel transport (spec §8
// scenario 6); it remains callable directly for API completeness.
func (t *Transport) Reset() error {
	return t.ioctl(vhostResetOwner, 0)
}

// SetMemTable packs the region table as struct vhost_memory followed by
// its flexible vhost_memory_region array, matching the kernel ABI
// bit-for-bit (spec §6 "Struct layouts match that ABI bit-for-bit").
func (t *Transport) SetMemTable(regions []memtable.Region) error {
	kregions := memtable.ToKernelRegions(regions)

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(kregions)))
	binary.Write(buf, binary.LittleEndian, uint32(0)) // padding
	for _, r := range kregions {
		binary.Write(buf, binary.LittleEndian, memoryRegion{
			guestPhysAddr: r.GuestPhysAddr,
			memorySize:    r.Size,
			userspaceAddr: r.HostVirtAddr,
		})
	}
	return t.ioctl(vhostSetMemTable, uintptr(unsafe.Pointer(&buf.Bytes()[0])))
}

func (t *Transport) SetVringNum(queue int, num uint32) error {
	s := vringState{index: uint32(queue), num: num}
	return t.ioctl(vhostSetVringNum, uintptr(unsafe.Pointer(&s)))
}

func (t *Transport) SetVringBase(queue int, base uint16) error {
	s := vringState{index: uint32(queue), num: uint32(base)}
	return t.ioctl(vhostSetVringBase, uintptr(unsafe.Pointer(&s)))
}

func (t *Transport) GetVringBase(queue int) (uint16, error) {
	s := vringState{index: uint32(queue)}
	if err := t.ioctl(vhostGetVringBase, uintptr(unsafe.Pointer(&s))); err != nil {
		return 0, err
	}
	return uint16(s.num), nil
}

func (t *Transport) SetVringAddr(queue int, addr vhost.VringAddr) error {
	a := vringAddr{
		index:         uint32(queue),
		flags:         addr.Flags,
		descUserAddr:  addr.DescAddr,
		usedUserAddr:  addr.UsedAddr,
		availUserAddr: addr.AvailAddr,
		logGuestAddr:  addr.LogAddr,
	}
	return t.ioctl(vhostSetVringAddr, uintptr(unsafe.Pointer(&a)))
}

func (t *Transport) SetVringKick(queue int, fd int) error {
	f := vringFile{index: uint32(queue), fd: int32(fd)}
	return t.ioctl(vhostSetVringKick, uintptr(unsafe.Pointer(&f)))
}

func (t *Transport) SetVringCall(queue int, fd int) error {
	f := vringFile{index: uint32(queue), fd: int32(fd)}
	return t.ioctl(vhostSetVringCall, uintptr(unsafe.Pointer(&f)))
}

// SupportsDeviceReset is always false: the kernel transport only ever
// has the legacy reset-owner ioctl available (spec §4.D/§4.E).
func (t *Transport) SupportsDeviceReset() bool { return false }

func (t *Transport) SupportsBusyLoopTimeout() bool { return true }

func (t *Transport) SetBusyLoopTimeout(queue int, timeoutUs uint32) error {
	s := vringState{index: uint32(queue), num: timeoutUs}
	return t.ioctl(vhostSetVringBusyloopTimeout, uintptr(unsafe.Pointer(&s)))
}

var _ vhost.Capability = (*Transport)(nil)
