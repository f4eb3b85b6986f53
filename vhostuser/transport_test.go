// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/projectacrn/vhost-devicemodel/memtable"
	"github.com/projectacrn/vhost-devicemodel/vhost"
)

// fakeBackend is a minimal vhost-user daemon double: it answers exactly
// the requests these tests drive and records everything it saw, so
// tests can assert both the wire traffic and the client-observed
// result.
type fakeBackend struct {
	conn *net.UnixConn

	protocolFeatures uint64
	features         uint64
	vringBase        uint32
	configReply      []byte

	// forceOversizedReply makes every subsequent reply declare a
	// payload size over maxPayloadSize, without writing one: enough to
	// trip the client's framing check without a matching body.
	forceOversizedReply bool

	requests []uint32
}

func newFakeBackendPair(t *testing.T) (*Client, *fakeBackend) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	clientFile := os.NewFile(uintptr(fds[0]), "client")
	serverFile := os.NewFile(uintptr(fds[1]), "server")

	clientConn, err := net.FileConn(clientFile)
	if err != nil {
		t.Fatalf("FileConn client: %v", err)
	}
	clientFile.Close()
	serverConn, err := net.FileConn(serverFile)
	if err != nil {
		t.Fatalf("FileConn server: %v", err)
	}
	serverFile.Close()

	fb := &fakeBackend{
		conn:             serverConn.(*net.UnixConn),
		protocolFeatures: uint64(coreSupportedProtocolFeatures) | 1<<17, // an extra bit the core must narrow away
		vringBase:        42,
	}
	t.Cleanup(func() { fb.conn.Close() })
	go fb.serve(t)

	return NewClient(clientConn.(*net.UnixConn)), fb
}

func (fb *fakeBackend) serve(t *testing.T) {
	for {
		var hdrBuf [hdrSize]byte
		n, err := fb.conn.Read(hdrBuf[:])
		if err != nil || n < hdrSize {
			return
		}
		req := binary.LittleEndian.Uint32(hdrBuf[0:4])
		flags := binary.LittleEndian.Uint32(hdrBuf[4:8])
		size := binary.LittleEndian.Uint32(hdrBuf[8:12])
		fb.requests = append(fb.requests, req)

		payload := make([]byte, size)
		if size > 0 {
			if _, err := readFull(fb.conn, payload); err != nil {
				return
			}
		}
		needReply := flags&flagNeedReply != 0

		if needReply && fb.forceOversizedReply {
			out := make([]byte, hdrSize)
			binary.LittleEndian.PutUint32(out[0:4], req)
			binary.LittleEndian.PutUint32(out[4:8], protocolVersion|flagReply)
			binary.LittleEndian.PutUint32(out[8:12], maxPayloadSize+1)
			if _, err := fb.conn.Write(out); err != nil {
				return
			}
			continue
		}

		var rep []byte
		switch req {
		case reqGetProtocolFeatures:
			rep = encodeU64(fb.protocolFeatures)
		case reqSetProtocolFeatures:
			fb.protocolFeatures = binary.LittleEndian.Uint64(payload)
			if needReply {
				rep = encodeU64(0)
			}
		case reqGetFeatures:
			rep = encodeU64(fb.features)
		case reqGetVringBase:
			rep = encodeVringState(vringState{Index: binary.LittleEndian.Uint32(payload[0:4]), Num: fb.vringBase})
		case reqGetConfig:
			var reqP configPayload
			binary.Read(bytes.NewReader(payload), binary.LittleEndian, &reqP)
			reqP.Size = uint32(len(fb.configReply))
			copy(reqP.Region[:], fb.configReply)
			buf := new(bytes.Buffer)
			binary.Write(buf, binary.LittleEndian, reqP)
			rep = buf.Bytes()
		default:
			if needReply {
				rep = encodeU64(0)
			}
		}

		if rep == nil {
			continue
		}
		out := make([]byte, hdrSize+len(rep))
		binary.LittleEndian.PutUint32(out[0:4], req)
		binary.LittleEndian.PutUint32(out[4:8], protocolVersion|flagReply)
		binary.LittleEndian.PutUint32(out[8:12], uint32(len(rep)))
		copy(out[hdrSize:], rep)
		if _, err := fb.conn.Write(out); err != nil {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestTransportInitNarrowsProtocolFeatures(t *testing.T) {
	client, fb := newFakeBackendPair(t)
	tr := New(client)

	if err := tr.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if tr.protocolFeatures != coreSupportedProtocolFeatures {
		t.Fatalf("negotiated protocol features = %#x, want %#x", tr.protocolFeatures, coreSupportedProtocolFeatures)
	}
	if len(fb.requests) != 2 || fb.requests[0] != reqGetProtocolFeatures || fb.requests[1] != reqSetProtocolFeatures {
		t.Fatalf("requests = %v, want [GET_PROTOCOL_FEATURES, SET_PROTOCOL_FEATURES]", fb.requests)
	}
	if fb.protocolFeatures != uint64(coreSupportedProtocolFeatures) {
		t.Fatalf("backend recorded %#x, want exactly the intersection %#x", fb.protocolFeatures, coreSupportedProtocolFeatures)
	}
}

func TestTransportGetFeatures(t *testing.T) {
	client, fb := newFakeBackendPair(t)
	fb.features = 0x1_0000_0000
	tr := New(client)
	if err := tr.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	got, err := tr.GetFeatures()
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if got != vhost.FeatureMask(0x1_0000_0000) {
		t.Fatalf("GetFeatures() = %#x, want 0x1_0000_0000", got)
	}
}

func TestTransportSetVringKickNoFDSentinel(t *testing.T) {
	client, _ := newFakeBackendPair(t)
	tr := New(client)
	if err := tr.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := tr.SetVringKick(0, vhost.NoFD); err != nil {
		t.Fatalf("SetVringKick(NoFD): %v", err)
	}
}

func TestTransportSetVringKickWithFD(t *testing.T) {
	client, _ := newFakeBackendPair(t)
	tr := New(client)
	if err := tr.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	defer unix.Close(efd)
	if err := tr.SetVringKick(0, efd); err != nil {
		t.Fatalf("SetVringKick: %v", err)
	}
}

func TestTransportGetVringBase(t *testing.T) {
	client, fb := newFakeBackendPair(t)
	fb.vringBase = 42
	tr := New(client)
	if err := tr.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got, err := tr.GetVringBase(0)
	if err != nil {
		t.Fatalf("GetVringBase: %v", err)
	}
	if got != 42 {
		t.Fatalf("GetVringBase() = %d, want 42", got)
	}
}

func TestTransportResetPrefersDeviceReset(t *testing.T) {
	client, fb := newFakeBackendPair(t)
	tr := New(client)
	if err := tr.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !tr.SupportsDeviceReset() {
		t.Fatal("SupportsDeviceReset() = false, want true (RESET_DEVICE is in coreSupportedProtocolFeatures)")
	}
	if err := tr.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	last := fb.requests[len(fb.requests)-1]
	if last != reqResetDevice {
		t.Fatalf("last request = %d, want RESET_DEVICE (%d)", last, reqResetDevice)
	}
}

func TestTransportSetMemTableSendsFDs(t *testing.T) {
	client, fb := newFakeBackendPair(t)
	tr := New(client)
	if err := tr.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	memfd, err := unix.MemfdCreate("test-region", 0)
	if err != nil {
		t.Skipf("memfd_create unavailable: %v", err)
	}
	defer unix.Close(memfd)

	regions := memtable.Build([]memtable.Window{
		{GuestPhysAddr: 0, HostVirtAddr: 0x7f0000000000, Size: 0x1000, FD: memfd},
	})
	if err := tr.SetMemTable(regions); err != nil {
		t.Fatalf("SetMemTable: %v", err)
	}
	last := fb.requests[len(fb.requests)-1]
	if last != reqSetMemTable {
		t.Fatalf("last request = %d, want SET_MEM_TABLE (%d)", last, reqSetMemTable)
	}
}

func TestTransportSupportsBusyLoopTimeoutIsFalse(t *testing.T) {
	client, _ := newFakeBackendPair(t)
	tr := New(client)
	if tr.SupportsBusyLoopTimeout() {
		t.Error("SupportsBusyLoopTimeout() = true, want false: no vhost-user request code exists for it")
	}
}

// TestTransportPoisonsAfterProtocolViolation covers spec §8 scenario 5:
// a framing violation on one reply makes the transport unusable for
// every operation after it, not just the one that failed.
func TestTransportPoisonsAfterProtocolViolation(t *testing.T) {
	client, fb := newFakeBackendPair(t)
	tr := New(client)
	if err := tr.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	fb.forceOversizedReply = true
	if _, err := tr.GetFeatures(); !vhost.Is(err, vhost.ProtocolViolation) {
		t.Fatalf("GetFeatures err = %v, want ProtocolViolation", err)
	}

	if _, err := tr.GetVringBase(0); !vhost.Is(err, vhost.CapabilityUnavailable) {
		t.Fatalf("GetVringBase after poisoning = %v, want CapabilityUnavailable", err)
	}
	if err := tr.SetOwner(); !vhost.Is(err, vhost.CapabilityUnavailable) {
		t.Fatalf("SetOwner after poisoning = %v, want CapabilityUnavailable", err)
	}
}
