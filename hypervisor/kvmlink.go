// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/projectacrn/vhost-devicemodel/memtable"
)

// KVM's own ioctl encoding (include/uapi/linux/kvm.h). These mirror the
// kernel ABI bit for bit; the numeric values are the standard KVMIO
// ('\xAE') ioctls every KVM-based VMM (including the ones in this
// retrieval pack) hardcodes rather than recomputing from the _IOW macro
// at runtime.
const (
	kvmIoeventfd = 0x4040ae79 // _IOW(KVMIO, 0x79, struct kvm_ioeventfd)
	kvmIrqfd     = 0x4020ae76 // _IOW(KVMIO, 0x76, struct kvm_irqfd)

	kvmIoeventfdFlagDatamatch = 1 << 0
	kvmIoeventfdFlagDeassign  = 1 << 2
	kvmIrqfdFlagDeassign      = 1 << 0
)

// kvmIoeventfdReq mirrors struct kvm_ioeventfd.
type kvmIoeventfdReq struct {
	datamatch uint64
	addr      uint64
	len       uint32
	fd        int32
	flags     uint32
	_         [36]byte
}

// kvmIrqfdReq mirrors struct kvm_irqfd. ACRN and plain KVM both register
// the guest-visible MSI address/data directly on the fd in this mode
// (KVM_IRQFD with a routed GSI behaves the same way for our purposes: a
// signal on fd becomes the MSI message).
type kvmIrqfdReq struct {
	fd    int32
	gsi   uint32
	flags uint32
	_     [20]byte
}

// KVMHypervisor binds eventfds through a KVM vmFd's KVM_IOEVENTFD and
// KVM_IRQFD ioctls. MSI delivery for irqfd goes through a GSI routing
// table the VMM (outside this core, per spec §1) is responsible for
// pointing at msiAddress/msiData; KVMHypervisor only arms the fd side.
type KVMHypervisor struct {
	vmFd    uintptr
	windows []memtable.Window
}

// NewKVMHypervisor wraps an already-opened KVM VM fd (as returned by
// KVM_CREATE_VM). Creating that fd, and installing the VM's memory
// slots via KVM_SET_USER_MEMORY_REGION, is the hypervisor syscall layer
// this core does not own; the VMM reports the resulting windows back
// through SetMemoryWindows so the device-model side of this core can
// publish them without re-deriving them from KVM slot state.
func NewKVMHypervisor(vmFd uintptr) *KVMHypervisor {
	return &KVMHypervisor{vmFd: vmFd}
}

// SetMemoryWindows records the VM's memory windows, as installed by the
// VMM's own KVM_SET_USER_MEMORY_REGION calls.
func (k *KVMHypervisor) SetMemoryWindows(windows []memtable.Window) {
	k.windows = windows
}

// MemoryWindows returns the windows last recorded by SetMemoryWindows.
func (k *KVMHypervisor) MemoryWindows() []memtable.Window {
	return k.windows
}

func (k *KVMHypervisor) ioeventfdIoctl(req *kvmIoeventfdReq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, k.vmFd, kvmIoeventfd, uintptr(unsafe.Pointer(req)))
	if errno != 0 {
		return fmt.Errorf("KVM_IOEVENTFD: %w", errno)
	}
	return nil
}

func (k *KVMHypervisor) irqfdIoctl(req *kvmIrqfdReq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, k.vmFd, kvmIrqfd, uintptr(unsafe.Pointer(req)))
	if errno != 0 {
		return fmt.Errorf("KVM_IRQFD: %w", errno)
	}
	return nil
}

// ioeventfdReq builds the kvm_ioeventfd request for address/value,
// setting the datamatch flag and an 8-byte match length whenever value
// is non-zero (zero means match any write to address).
func ioeventfdReq(address, value uint64, fd int, extraFlags uint32) *kvmIoeventfdReq {
	req := &kvmIoeventfdReq{addr: address, fd: int32(fd), flags: extraFlags}
	if value != 0 {
		req.datamatch = value
		req.len = 8
		req.flags |= kvmIoeventfdFlagDatamatch
	}
	return req
}

func (k *KVMHypervisor) RegisterIoeventfd(fd int, address, value uint64) error {
	return k.ioeventfdIoctl(ioeventfdReq(address, value, fd, 0))
}

func (k *KVMHypervisor) DeregisterIoeventfd(fd int, address, value uint64) error {
	return k.ioeventfdIoctl(ioeventfdReq(address, value, fd, kvmIoeventfdFlagDeassign))
}

// RegisterIrqfd treats msiData as the GSI for simplicity: a VMM wiring
// this core is expected to have already routed that GSI to the MSI
// address/data pair via KVM_SET_GSI_ROUTING, which lives in the
// hypervisor syscall layer this core does not own (spec §1/§6).
func (k *KVMHypervisor) RegisterIrqfd(fd int, msiAddress uint64, msiData uint32) error {
	_ = msiAddress
	return k.irqfdIoctl(&kvmIrqfdReq{fd: int32(fd), gsi: msiData})
}

func (k *KVMHypervisor) DeregisterIrqfd(fd int) error {
	return k.irqfdIoctl(&kvmIrqfdReq{fd: int32(fd), flags: kvmIrqfdFlagDeassign})
}
