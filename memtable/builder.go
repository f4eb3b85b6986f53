// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memtable translates a VM's memory windows into the
// backend-digestible memory table published during device start. It
// builds one neutral intermediate form and lets each transport lower it
// to its own wire shape (host-virtual addresses for the kernel
// transport, fd+offset for the user transport), per spec §9's note that
// these are "two shapes of the same logical region table."
package memtable

import (
	"fmt"
	"sort"
)

// MaxUserRegions is the largest region count the user transport accepts
// in one set-memory-table message (spec §4.C/§6).
const MaxUserRegions = 32

// Window is one of the VM's reported memory windows: typically a low
// window anchored at guest-physical zero, and an optional high window at
// an architecturally fixed base. FD/FDOffset are only meaningful when
// the window is backed by a memfd, which the user transport requires to
// pass ancillary to the backend.
type Window struct {
	GuestPhysAddr uint64
	HostVirtAddr  uint64
	Size          uint64

	FD       int
	FDOffset uint64
}

// Region is the neutral intermediate form of one published memory
// region: never retained beyond the publish call that built it.
type Region struct {
	GuestPhysAddr uint64
	HostVirtAddr  uint64
	Size          uint64

	FD       int
	FDOffset uint64
}

// Build translates windows into a region table, sorted by guest-physical
// address and with zero-length windows omitted. It does not enforce a
// maximum region count: that is transport-specific and checked by
// ToUserRegions.
func Build(windows []Window) []Region {
	var regions []Region
	for _, w := range windows {
		if w.Size == 0 {
			continue
		}
		regions = append(regions, Region{
			GuestPhysAddr: w.GuestPhysAddr,
			HostVirtAddr:  w.HostVirtAddr,
			Size:          w.Size,
			FD:            w.FD,
			FDOffset:      w.FDOffset,
		})
	}
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].GuestPhysAddr < regions[j].GuestPhysAddr
	})
	return regions
}

// KernelRegion is one entry of the kernel transport's memory table: just
// the guest-physical/host-virtual mapping, since the in-kernel vhost
// driver shares the device-model's address space.
type KernelRegion struct {
	GuestPhysAddr uint64
	HostVirtAddr  uint64
	Size          uint64
}

// ToKernelRegions lowers the neutral table for the kernel transport. The
// kernel transport has no advertised maximum region count.
func ToKernelRegions(regions []Region) []KernelRegion {
	out := make([]KernelRegion, len(regions))
	for i, r := range regions {
		out[i] = KernelRegion{
			GuestPhysAddr: r.GuestPhysAddr,
			HostVirtAddr:  r.HostVirtAddr,
			Size:          r.Size,
		}
	}
	return out
}

// UserRegion is one entry of the user transport's memory table: the
// backend maps it itself from the accompanying fd, rather than trusting
// a host-virtual address handed across the process boundary.
type UserRegion struct {
	GuestPhysAddr uint64
	Size          uint64
	HostVirtAddr  uint64
	FDOffset      uint64
}

// ToUserRegions lowers the neutral table for the user transport,
// returning the region descriptors and, in the same order, the fds to
// pass as ancillary data. It fails if the region count exceeds
// MaxUserRegions, or if any region lacks a backing fd.
func ToUserRegions(regions []Region) ([]UserRegion, []int, error) {
	if len(regions) > MaxUserRegions {
		return nil, nil, fmt.Errorf("memtable: %d regions exceeds user transport maximum of %d", len(regions), MaxUserRegions)
	}
	out := make([]UserRegion, len(regions))
	fds := make([]int, len(regions))
	for i, r := range regions {
		if r.FD <= 0 {
			return nil, nil, fmt.Errorf("memtable: region %d (guest %#x) has no backing fd", i, r.GuestPhysAddr)
		}
		out[i] = UserRegion{
			GuestPhysAddr: r.GuestPhysAddr,
			Size:          r.Size,
			HostVirtAddr:  r.HostVirtAddr,
			FDOffset:      r.FDOffset,
		}
		fds[i] = r.FD
	}
	return out, fds, nil
}

// TotalSize sums the covered length of a region table, used by tests to
// check it against the VM's reported window sizes (spec §8).
func TotalSize(regions []Region) uint64 {
	var total uint64
	for _, r := range regions {
		total += r.Size
	}
	return total
}
