// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/projectacrn/vhost-devicemodel/memtable"
	"github.com/projectacrn/vhost-devicemodel/vhost"
)

// errCapabilityUnavailable marks an operation this transport's request
// catalog has no wire message for (spec §7 "Capability unavailable").
var errCapabilityUnavailable = errors.New("capability unavailable")

// errPoisoned marks a transport that has already suffered a protocol
// violation (spec §7, §8 scenario 5: "subsequent starts on the device
// return capability-unavailable").
var errPoisoned = errors.New("vhostuser: transport poisoned by a prior protocol violation")

// Transport implements vhost.Capability over a Client connected to a
// vhost-user backend daemon (spec §4.E). Unlike the kernel transport,
// it carries protocol state across calls: the negotiated subset of
// protocol features, decided once during Init, governs how Reset and
// every setter that supports reply-ack behave for the rest of the
// session.
type Transport struct {
	client     *Client
	startIndex int

	protocolFeatures ProtocolFeatureMask

	// poisoned is set once a reply fails wire-framing validation (a
	// protocol violation) and never cleared: after that point the
	// backend's subsequent replies cannot be trusted to line up with
	// requests, so every further operation is refused rather than risk
	// reading a stale or mismatched reply.
	poisoned bool
}

// New wraps an already-connected Client. Establishing the connection
// (Dial) is the caller's responsibility; this transport never dials on
// its own.
func New(client *Client) *Transport {
	return &Transport{client: client}
}

// Init records the starting queue index and performs the
// get-protocol-features/set-protocol-features handshake (spec §4.E
// "Protocol feature negotiation"): the value sent back is exactly the
// intersection of what the backend advertised and what this core
// supports (spec §8 scenario 3).
func (t *Transport) Init(startIndex int) error {
	t.startIndex = startIndex

	backend, err := t.callU64Reply(reqGetProtocolFeatures, nil, nil)
	if err != nil {
		return err
	}
	negotiated := ProtocolFeatureMask(backend) & coreSupportedProtocolFeatures
	t.protocolFeatures = negotiated

	payload := encodeU64(uint64(negotiated))
	return t.setWithAck(reqSetProtocolFeatures, payload, nil)
}

// Deinit closes the backend connection.
func (t *Transport) Deinit() error {
	return t.client.Close()
}

func encodeU64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeU64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("vhostuser: payload %d bytes, want 8", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// replyAck reports whether the backend negotiated reply-ack (spec
// §4.E), in which case otherwise fire-and-forget setters are sent with
// need-reply and checked against a scalar success code.
func (t *Transport) replyAck() bool { return t.protocolFeatures.Has(protoFeatureReplyAck) }

// poisonedErr reports req as unavailable because an earlier reply on
// this transport already violated wire framing.
func (t *Transport) poisonedErr(req uint32) error {
	return &vhost.Error{Kind: vhost.CapabilityUnavailable, Op: reqName(req), Err: errPoisoned}
}

// poison latches t.poisoned once err is a protocol violation, and
// otherwise passes err through unchanged.
func (t *Transport) poison(err error) error {
	if vhost.Is(err, vhost.ProtocolViolation) {
		t.poisoned = true
	}
	return err
}

// call, callReply, and callU64Reply are the only paths this transport's
// methods use to reach the wire: every one of them refuses to send once
// poisoned, and every reply is checked for a framing violation that
// would poison the transport for good (spec §7, §8 scenario 5).
func (t *Transport) call(req uint32, payload []byte, fds []int) error {
	if t.poisoned {
		return t.poisonedErr(req)
	}
	return t.poison(t.client.Call(req, payload, fds))
}

func (t *Transport) callReply(req uint32, payload []byte, fds []int) ([]byte, []int, error) {
	if t.poisoned {
		return nil, nil, t.poisonedErr(req)
	}
	rpayload, rfds, err := t.client.CallReply(req, payload, fds)
	return rpayload, rfds, t.poison(err)
}

func (t *Transport) callU64Reply(req uint32, payload []byte, fds []int) (uint64, error) {
	if t.poisoned {
		return 0, t.poisonedErr(req)
	}
	v, err := t.client.CallU64Reply(req, payload, fds)
	return v, t.poison(err)
}

// setWithAck sends req as a fire-and-forget request, or, when reply-ack
// was negotiated, as a need-reply request whose scalar reply must be
// zero (spec §4.E "Reply-ack").
func (t *Transport) setWithAck(req uint32, payload []byte, fds []int) error {
	if !t.replyAck() {
		return t.call(req, payload, fds)
	}
	rpayload, rfds, err := t.callReply(req, payload, fds)
	closeAll(rfds)
	if err != nil {
		return err
	}
	ack, err := decodeU64(rpayload)
	if err != nil {
		return fmt.Errorf("vhostuser: %s ack: %w", reqName(req), err)
	}
	if ack != 0 {
		return fmt.Errorf("vhostuser: %s: backend reported error %d", reqName(req), ack)
	}
	return nil
}

func (t *Transport) GetFeatures() (vhost.FeatureMask, error) {
	v, err := t.callU64Reply(reqGetFeatures, nil, nil)
	if err != nil {
		return 0, err
	}
	return vhost.FeatureMask(v), nil
}

func (t *Transport) SetFeatures(mask vhost.FeatureMask) error {
	return t.setWithAck(reqSetFeatures, encodeU64(uint64(mask)), nil)
}

func (t *Transport) SetOwner() error {
	return t.setWithAck(reqSetOwner, nil, nil)
}

// Reset issues whichever reset request the negotiated protocol features
// select (spec §4.E "Reset semantics", §8 scenario 6): reset-device if
// the backend advertised device-reset support, the legacy reset-owner
// request otherwise — only these two paths exist.
func (t *Transport) Reset() error {
	if t.SupportsDeviceReset() {
		return t.setWithAck(reqResetDevice, nil, nil)
	}
	return t.setWithAck(reqResetOwner, nil, nil)
}

// SetMemTable lowers the neutral region table to the user transport's
// fd+offset shape and sends it with the backing fds as SCM_RIGHTS
// ancillary data, in the same order as the region list (spec §4.C,
// §4.E).
func (t *Transport) SetMemTable(regions []memtable.Region) error {
	uregions, fds, err := memtable.ToUserRegions(regions)
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(uregions)))
	binary.Write(buf, binary.LittleEndian, uint32(0)) // padding
	for _, r := range uregions {
		binary.Write(buf, binary.LittleEndian, memoryRegion{
			GuestPhysAddr: r.GuestPhysAddr,
			MemorySize:    r.Size,
			UserAddr:      r.HostVirtAddr,
			MmapOffset:    r.FDOffset,
		})
	}
	return t.setWithAck(reqSetMemTable, buf.Bytes(), fds)
}

func (t *Transport) SetVringNum(queue int, num uint32) error {
	s := vringState{Index: uint32(queue), Num: num}
	return t.setWithAck(reqSetVringNum, encodeVringState(s), nil)
}

func (t *Transport) SetVringBase(queue int, base uint16) error {
	s := vringState{Index: uint32(queue), Num: uint32(base)}
	return t.setWithAck(reqSetVringBase, encodeVringState(s), nil)
}

func (t *Transport) GetVringBase(queue int) (uint16, error) {
	s := vringState{Index: uint32(queue)}
	rpayload, rfds, err := t.callReply(reqGetVringBase, encodeVringState(s), nil)
	closeAll(rfds)
	if err != nil {
		return 0, err
	}
	if len(rpayload) < 8 {
		return 0, fmt.Errorf("vhostuser: get-vring-base reply %d bytes, want 8", len(rpayload))
	}
	got := decodeVringState(rpayload)
	return uint16(got.Num), nil
}

func (t *Transport) SetVringAddr(queue int, addr vhost.VringAddr) error {
	a := vringAddr{
		Index:         uint32(queue),
		Flags:         addr.Flags,
		DescUserAddr:  addr.DescAddr,
		UsedUserAddr:  addr.UsedAddr,
		AvailUserAddr: addr.AvailAddr,
		LogGuestAddr:  addr.LogAddr,
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, a)
	return t.setWithAck(reqSetVringAddr, buf.Bytes(), nil)
}

// SetVringKick and SetVringCall attach the fd as ancillary data, or, for
// the NoFD sentinel, omit the fd and set bit 8 of the scalar payload
// alongside the queue index (spec §4.E "Fd passing").
func (t *Transport) SetVringKick(queue int, fd int) error {
	return t.setVringFD(reqSetVringKick, queue, fd)
}

func (t *Transport) SetVringCall(queue int, fd int) error {
	return t.setVringFD(reqSetVringCall, queue, fd)
}

func (t *Transport) setVringFD(req uint32, queue int, fd int) error {
	num := uint64(uint32(queue))
	var fds []int
	if fd == vhost.NoFD {
		num |= noFDSentinelBit
	} else {
		fds = []int{fd}
	}
	return t.setWithAck(req, encodeU64(num), fds)
}

// SupportsDeviceReset reports whether the backend negotiated the
// device-reset protocol feature (spec §4.E, §8 scenario 6).
func (t *Transport) SupportsDeviceReset() bool {
	return t.protocolFeatures.Has(protoFeatureResetDevice)
}

// SupportsBusyLoopTimeout is always false: no vhost-user request code
// exists for it in the catalog this core drives (spec §6).
func (t *Transport) SupportsBusyLoopTimeout() bool { return false }

func (t *Transport) SetBusyLoopTimeout(queue int, timeoutUs uint32) error {
	return fmt.Errorf("vhostuser: set-busy-loop-timeout: %w", errCapabilityUnavailable)
}

func encodeVringState(s vringState) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], s.Index)
	binary.LittleEndian.PutUint32(b[4:8], s.Num)
	return b[:]
}

func decodeVringState(b []byte) vringState {
	return vringState{
		Index: binary.LittleEndian.Uint32(b[0:4]),
		Num:   binary.LittleEndian.Uint32(b[4:8]),
	}
}

var _ vhost.Capability = (*Transport)(nil)
