// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/projectacrn/vhost-devicemodel/vhost"
)

const hdrSize = int(unsafe.Sizeof(Header{}))

// maxFDs is the largest ancillary fd count this client ever sends or
// accepts in one message (spec §4.E, §6 "Maximum fds per message: 32").
const maxFDs = 32

// Client drives the vhost-user wire protocol (spec §4.E) from the
// device-model side of the socket: it writes a request's header,
// payload, and ancillary fds in one sendmsg, then performs a matching
// receive when the request needs a reply. This is the mirror image of
// the teacher's Server.oneRequest, which reads a request and writes a
// reply; the framing (header-then-payload, SCM_RIGHTS for fds) is
// identical on the wire, only the direction of each half is swapped.
type Client struct {
	conn *net.UnixConn
}

// NewClient wraps an already-connected vhost-user UNIX stream socket.
// Establishing the connection is the caller's responsibility.
func NewClient(conn *net.UnixConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// retry re-invokes fn while it reports EINTR or EAGAIN (spec §5
// "retried on EINTR and EAGAIN"), any other error or success ends the
// loop.
func retry(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return n, err
	}
}

// send writes req, flags, and payload in one frame, with fds attached as
// SCM_RIGHTS ancillary data. payload may be nil for a request with no
// body.
func (c *Client) send(req uint32, flags uint32, payload []byte, fds []int) error {
	if len(fds) > maxFDs {
		return fmt.Errorf("vhostuser: %d fds exceeds maximum of %d", len(fds), maxFDs)
	}
	hdr := Header{Request: req, Flags: flags, Size: uint32(len(payload))}
	buf := make([]byte, hdrSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Request)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.Size)
	copy(buf[hdrSize:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	_, err := retry(func() (int, error) {
		n, _, err := c.conn.WriteMsgUnix(buf, oob, nil)
		return n, err
	})
	if err != nil {
		return fmt.Errorf("vhostuser: send %s: %w", reqName(req), err)
	}
	return nil
}

// recv reads one frame's header and payload, returning the payload bytes
// and any fds conveyed as ancillary data. A declared payload size above
// maxPayloadSize, or more than one ancillary fd, is a protocol
// violation (spec §4.E, §7, §8 scenario 5).
func (c *Client) recv() (Header, []byte, []int, error) {
	var hdrBuf [hdrSize]byte
	var oobBuf [unix.CmsgSpace(maxFDs * 4)]byte

	n, oobN, _, _, err := retryRecv(c.conn, hdrBuf[:], oobBuf[:])
	if err != nil {
		return Header{}, nil, nil, fmt.Errorf("vhostuser: recv header: %w", err)
	}
	if n < hdrSize {
		return Header{}, nil, nil, fmt.Errorf("vhostuser: recv header: short read got %d want %d", n, hdrSize)
	}

	hdr := Header{
		Request: binary.LittleEndian.Uint32(hdrBuf[0:4]),
		Flags:   binary.LittleEndian.Uint32(hdrBuf[4:8]),
		Size:    binary.LittleEndian.Uint32(hdrBuf[8:12]),
	}
	if hdr.Size > maxPayloadSize {
		return Header{}, nil, nil, &vhost.Error{Kind: vhost.ProtocolViolation, Op: "recv " + reqName(hdr.Request),
			Err: fmt.Errorf("declared payload %d exceeds maximum %d", hdr.Size, maxPayloadSize)}
	}

	fds, ferr := parseFDs(oobBuf[:oobN])
	if ferr != nil {
		return Header{}, nil, nil, fmt.Errorf("vhostuser: reply %s: %w", reqName(hdr.Request), ferr)
	}
	if len(fds) > 1 {
		closeAll(fds)
		return Header{}, nil, nil, &vhost.Error{Kind: vhost.ProtocolViolation, Op: "recv " + reqName(hdr.Request),
			Err: fmt.Errorf("got %d fds, want at most one", len(fds))}
	}

	var payload []byte
	if hdr.Size > 0 {
		payload = make([]byte, hdr.Size)
		pn, _, _, _, perr := retryRecv(c.conn, payload, nil)
		if perr != nil {
			return Header{}, nil, nil, fmt.Errorf("vhostuser: recv payload %s: %w", reqName(hdr.Request), perr)
		}
		if pn < int(hdr.Size) {
			return Header{}, nil, nil, fmt.Errorf("vhostuser: recv payload %s: short read got %d want %d", reqName(hdr.Request), pn, hdr.Size)
		}
	}
	return hdr, payload, fds, nil
}

// retryRecv wraps ReadMsgUnix with the EINTR/EAGAIN retry spec §5
// requires of the user transport's blocking calls.
func retryRecv(conn *net.UnixConn, p, oob []byte) (n, oobn, flags int, addr *net.UnixAddr, err error) {
	for {
		n, oobn, flags, addr, err = conn.ReadMsgUnix(p, oob)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return
	}
}

func parseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		f, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, fmt.Errorf("parse unix rights: %w", err)
		}
		fds = append(fds, f...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// Call sends req with no reply expected (need-reply clear): a pure
// fire-and-forget request, used for setters (set-features, set-owner,
// set-vring-num, ...) when reply-ack was not negotiated.
func (c *Client) Call(req uint32, payload []byte, fds []int) error {
	return c.send(req, protocolVersion, payload, fds)
}

// CallReply sends req with need-reply set and blocks for the matching
// reply, returning its payload and at most one ancillary fd (spec §4.E
// "Reply-ack").
func (c *Client) CallReply(req uint32, payload []byte, fds []int) ([]byte, []int, error) {
	if err := c.send(req, protocolVersion|flagNeedReply, payload, fds); err != nil {
		return nil, nil, err
	}
	hdr, rpayload, rfds, err := c.recv()
	if err != nil {
		return nil, nil, err
	}
	if hdr.Request != req {
		closeAll(rfds)
		return nil, nil, &vhost.Error{Kind: vhost.ProtocolViolation, Op: "recv " + reqName(req),
			Err: fmt.Errorf("reply request code %d does not match sent request %s", hdr.Request, reqName(req))}
	}
	if hdr.Flags&flagReply == 0 {
		closeAll(rfds)
		return nil, nil, &vhost.Error{Kind: vhost.ProtocolViolation, Op: "recv " + reqName(req),
			Err: fmt.Errorf("reply flag not set")}
	}
	return rpayload, rfds, nil
}

// CallU64Reply is CallReply's common case: a scalar reply payload,
// exactly as get-features/get-protocol-features/get-queue-num return.
func (c *Client) CallU64Reply(req uint32, payload []byte, fds []int) (uint64, error) {
	rpayload, rfds, err := c.CallReply(req, payload, fds)
	closeAll(rfds)
	if err != nil {
		return 0, err
	}
	if len(rpayload) < 8 {
		return 0, fmt.Errorf("vhostuser: reply %s: payload %d bytes, want 8", reqName(req), len(rpayload))
	}
	return binary.LittleEndian.Uint64(rpayload[:8]), nil
}

// Dial connects to a vhost-user backend's listening socket, retrying a
// connection-refused for a short grace period the way a device-model
// start-up race against a not-yet-listening daemon requires.
func Dial(path string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			uc, ok := conn.(*net.UnixConn)
			if !ok {
				conn.Close()
				return nil, fmt.Errorf("vhostuser: dial %s: not a unix socket", path)
			}
			return NewClient(uc), nil
		}
		lastErr = err
		if !os.IsNotExist(err) && !isConnRefused(err) {
			return nil, fmt.Errorf("vhostuser: dial %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("vhostuser: dial %s: %w", path, lastErr)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func isConnRefused(err error) bool {
	return unwrapErrno(err) == unix.ECONNREFUSED
}

func unwrapErrno(err error) unix.Errno {
	type causer interface{ Unwrap() error }
	for err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno
		}
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Unwrap()
	}
	return 0
}
