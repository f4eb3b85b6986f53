// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This is a repository containing a user-space vhost offload subsystem:
// the protocol state machine and resource broker that hands a running
// virtqueue off from an in-process virtio device-model to an external
// data-plane, either an in-kernel vhost driver reached via ioctls or a
// vhost-user daemon reached over a UNIX stream socket.
//
// See package vhost for the shared Device/Virtqueue lifecycle, package
// vhostkernel for the ioctl transport, and package vhostuser for the
// vhost-user wire-protocol transport. Package devicemodel manages a
// set of devices sharing a lifecycle, and example/vhostdemo wires
// the pieces together end to end.
package lib
