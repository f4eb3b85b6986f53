// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"encoding/binary"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/projectacrn/vhost-devicemodel/vhost"
)

func socketPairConns(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	af, err := net.FileConn(os.NewFile(uintptr(fds[0]), "a"))
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	bf, err := net.FileConn(os.NewFile(uintptr(fds[1]), "b"))
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	a, b := af.(*net.UnixConn), bf.(*net.UnixConn)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestClientCallReplyRoundTrip(t *testing.T) {
	a, b := socketPairConns(t)
	client := NewClient(a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var hdrBuf [hdrSize]byte
		n, err := b.Read(hdrBuf[:])
		if err != nil || n < hdrSize {
			t.Errorf("server read header: n=%d err=%v", n, err)
			return
		}
		req := binary.LittleEndian.Uint32(hdrBuf[0:4])
		if req != reqGetFeatures {
			t.Errorf("request = %d, want GET_FEATURES", req)
		}
		rep := encodeU64(0xdeadbeef)
		out := make([]byte, hdrSize+len(rep))
		binary.LittleEndian.PutUint32(out[0:4], req)
		binary.LittleEndian.PutUint32(out[4:8], protocolVersion|flagReply)
		binary.LittleEndian.PutUint32(out[8:12], uint32(len(rep)))
		copy(out[hdrSize:], rep)
		if _, err := b.Write(out); err != nil {
			t.Errorf("server write reply: %v", err)
		}
	}()

	got, err := client.CallU64Reply(reqGetFeatures, nil, nil)
	<-done
	if err != nil {
		t.Fatalf("CallU64Reply: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("CallU64Reply() = %#x, want 0xdeadbeef", got)
	}
}

func TestClientCallFireAndForget(t *testing.T) {
	a, b := socketPairConns(t)
	client := NewClient(a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var hdrBuf [hdrSize]byte
		if _, err := b.Read(hdrBuf[:]); err != nil {
			t.Errorf("server read header: %v", err)
			return
		}
		flags := binary.LittleEndian.Uint32(hdrBuf[4:8])
		if flags&flagNeedReply != 0 {
			t.Errorf("flags = %#x, need-reply should not be set for Call", flags)
		}
	}()

	if err := client.Call(reqSetOwner, nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	<-done
}

func TestClientRecvRejectsOversizedPayload(t *testing.T) {
	a, b := socketPairConns(t)
	client := NewClient(a)

	go func() {
		var hdrBuf [hdrSize]byte
		b.Read(hdrBuf[:])
		out := make([]byte, hdrSize)
		binary.LittleEndian.PutUint32(out[0:4], reqGetVringBase)
		binary.LittleEndian.PutUint32(out[4:8], protocolVersion|flagReply)
		binary.LittleEndian.PutUint32(out[8:12], maxPayloadSize+1)
		b.Write(out)
	}()

	_, _, err := client.CallReply(reqGetVringBase, nil, nil)
	if !vhost.Is(err, vhost.ProtocolViolation) {
		t.Fatalf("err = %v, want a ProtocolViolation", err)
	}
}

func TestClientRecvRejectsMismatchedRequestCode(t *testing.T) {
	a, b := socketPairConns(t)
	client := NewClient(a)

	go func() {
		var hdrBuf [hdrSize]byte
		b.Read(hdrBuf[:])
		out := make([]byte, hdrSize)
		binary.LittleEndian.PutUint32(out[0:4], reqGetFeatures) // wrong code
		binary.LittleEndian.PutUint32(out[4:8], protocolVersion|flagReply)
		binary.LittleEndian.PutUint32(out[8:12], 0)
		b.Write(out)
	}()

	_, _, err := client.CallReply(reqGetVringBase, nil, nil)
	if !vhost.Is(err, vhost.ProtocolViolation) {
		t.Fatalf("err = %v, want a ProtocolViolation", err)
	}
}
