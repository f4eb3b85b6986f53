// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import "github.com/projectacrn/vhost-devicemodel/memtable"

// The interfaces below extend Capability with requests that exist only
// on the user-transport's wire protocol and that neither the Virtqueue
// state machine (F) nor the Device lifecycle (G) ever drives directly:
// per §9, this core "does not synthesize semantics" for them, so they
// are exposed for a front-end to use directly, past Init/Start/Stop,
// rather than folded into Capability's mandatory method set. A
// transport that does not implement one of these interfaces simply
// does not support that part of the protocol; callers type-assert for
// it rather than calling it unconditionally.

// MemRegionUpdater lets a front-end publish or withdraw one memory
// region after the device is already running, when the backend
// negotiated a configurable memory-slot count (PROTOCOL_F_CONFIGURE_MEM_SLOTS).
// This is distinct from SetMemTable, which §3 restricts to exactly once
// per start: AddMemRegion/DeleteMemRegion are the supplemental,
// post-start incremental path.
type MemRegionUpdater interface {
	AddMemRegion(region memtable.Region) error
	DeleteMemRegion(region memtable.Region) error
}

// StatusCapability exposes the vhost-user get/set-status requests
// (PROTOCOL_F_STATUS). The core never reads or interprets the status
// byte it carries — that belongs to whatever front-end protocol layers
// status semantics on top (e.g. a vhost-user-blk or -net device
// deciding readiness), per §9's instruction not to synthesize meaning
// for capability bits this core doesn't itself drive.
type StatusCapability interface {
	GetStatus() (uint8, error)
	SetStatus(status uint8) error
}

// ConfigCapability exposes the vhost-user get/set-config passthrough
// for a device's virtio config space. The core forwards bytes; it does
// not interpret device-specific config layout.
type ConfigCapability interface {
	GetConfig(offset, size uint32) ([]byte, error)
	SetConfig(offset uint32, data []byte) error
}
