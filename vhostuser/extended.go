// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/projectacrn/vhost-devicemodel/memtable"
	"github.com/projectacrn/vhost-devicemodel/vhost"
)

var (
	_ vhost.MemRegionUpdater = (*Transport)(nil)
	_ vhost.StatusCapability = (*Transport)(nil)
	_ vhost.ConfigCapability = (*Transport)(nil)
)

// AddMemRegion publishes one additional memory region after the initial
// set-memory-table, for a front-end hot-adding memory once
// PROTOCOL_F_CONFIGURE_MEM_SLOTS negotiated (spec SPEC_FULL §3).
func (t *Transport) AddMemRegion(region memtable.Region) error {
	if region.FD <= 0 {
		return fmt.Errorf("vhostuser: add-mem-region: region has no backing fd")
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, memoryRegion{
		GuestPhysAddr: region.GuestPhysAddr,
		MemorySize:    region.Size,
		UserAddr:      region.HostVirtAddr,
		MmapOffset:    region.FDOffset,
	})
	return t.setWithAck(reqAddMemReg, buf.Bytes(), []int{region.FD})
}

// DeleteMemRegion withdraws a previously added region, identified by its
// guest-physical base and size (the backend looks the region up by
// those, not by fd).
func (t *Transport) DeleteMemRegion(region memtable.Region) error {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, memoryRegion{
		GuestPhysAddr: region.GuestPhysAddr,
		MemorySize:    region.Size,
	})
	return t.setWithAck(reqRemMemReg, buf.Bytes(), nil)
}

// GetStatus and SetStatus pass the device status byte through to the
// backend (PROTOCOL_F_STATUS); this transport neither reads nor
// interprets it.
func (t *Transport) GetStatus() (uint8, error) {
	v, err := t.callU64Reply(reqGetStatus, nil, nil)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

func (t *Transport) SetStatus(status uint8) error {
	return t.setWithAck(reqSetStatus, encodeU64(uint64(status)), nil)
}

// GetConfig and SetConfig pass a device's virtio config-space window
// through to the backend (PROTOCOL_F_CONFIG); the payload shape mirrors
// the teacher's fixed-size config struct, truncated/padded to
// maxConfigSize.
func (t *Transport) GetConfig(offset, size uint32) ([]byte, error) {
	if size > maxConfigSize {
		return nil, fmt.Errorf("vhostuser: get-config: size %d exceeds maximum %d", size, maxConfigSize)
	}
	req := configPayload{Offset: offset, Size: size}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, req)

	rpayload, rfds, err := t.callReply(reqGetConfig, buf.Bytes(), nil)
	closeAll(rfds)
	if err != nil {
		return nil, err
	}
	var rep configPayload
	if err := binary.Read(bytes.NewReader(rpayload), binary.LittleEndian, &rep); err != nil {
		return nil, fmt.Errorf("vhostuser: get-config reply: %w", err)
	}
	if rep.Size < size {
		return nil, fmt.Errorf("vhostuser: get-config reply: backend returned %d bytes, want %d", rep.Size, size)
	}
	return rep.Region[:size], nil
}

func (t *Transport) SetConfig(offset uint32, data []byte) error {
	if len(data) > maxConfigSize {
		return fmt.Errorf("vhostuser: set-config: %d bytes exceeds maximum %d", len(data), maxConfigSize)
	}
	req := configPayload{Offset: offset, Size: uint32(len(data))}
	copy(req.Region[:], data)
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, req)
	return t.setWithAck(reqSetConfig, buf.Bytes(), nil)
}
