// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package companion

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// oobSize fits one descriptor plus credentials per control datagram.
const oobSize = 128

// Adopt wraps an inherited connected unix-socket descriptor in a
// *net.UnixConn. On success the runtime poller holds its own duplicate
// and fd itself is closed; on failure fd is closed before returning, so
// ownership transfers to Adopt either way.
func Adopt(fd int) (*net.UnixConn, error) {
	if fd < 0 {
		return nil, fmt.Errorf("adopt: invalid descriptor %d", fd)
	}
	unix.SetNonblock(fd, true)
	unix.CloseOnExec(fd)

	f := os.NewFile(uintptr(fd), "companion-socket")
	if f == nil {
		return nil, fmt.Errorf("adopt: invalid descriptor %d", fd)
	}
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("adopt descriptor %d: %w", fd, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("adopt descriptor %d: not a unix socket", fd)
	}
	return uc, nil
}

// StreamPair returns a connected stream socketpair. One end goes to the
// requesting worker, the other is shipped to the companion runtime.
func StreamPair() (worker, runtime int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("companion socketpair: %w", err)
	}
	return fds[0], fds[1], nil
}

// ControlPair builds the seqpacket pair that carries descriptor
// hand-offs from the host broker to the companion runtime. Seqpacket
// keeps exactly one hand-off per datagram.
func ControlPair() (broker, runtime *net.UnixConn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("control socketpair: %w", err)
	}
	broker, err = Adopt(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	runtime, err = Adopt(fds[1])
	if err != nil {
		broker.Close()
		return nil, nil, err
	}
	return broker, runtime, nil
}

// SendFD ships one connected descriptor with its request header over
// the control socket. The caller may close fd as soon as SendFD
// returns; the kernel keeps its own reference while the message is in
// flight.
func SendFD(ctrl *net.UnixConn, hdr RequestHeader, fd int) error {
	_, _, err := ctrl.WriteMsgUnix(EncodeRequestHeader(hdr), unix.UnixRights(fd), nil)
	if err != nil {
		return fmt.Errorf("send hand-off: %w", err)
	}
	return nil
}

// RecvFD receives one hand-off from the control socket. The returned
// descriptor belongs to the caller. Malformed datagrams come back as
// ErrBadHandoff with any carried descriptors already closed.
func RecvFD(ctrl *net.UnixConn) (RequestHeader, int, error) {
	buf := make([]byte, RequestHeaderSize)
	oob := make([]byte, oobSize)
	n, oobn, _, _, err := ctrl.ReadMsgUnix(buf, oob)
	if err != nil {
		return RequestHeader{}, -1, err
	}

	hdr, err := ParseRequestHeader(buf[:n])
	if err != nil {
		closeRights(oob[:oobn])
		return RequestHeader{}, -1, fmt.Errorf("%w: %v", ErrBadHandoff, err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return RequestHeader{}, -1, fmt.Errorf("%w: parse control message: %v", ErrBadHandoff, err)
	}
	var fds []int
	for i := range msgs {
		m := &msgs[i]
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(m)
		if err != nil {
			closeFDs(fds)
			return RequestHeader{}, -1, fmt.Errorf("%w: parse rights: %v", ErrBadHandoff, err)
		}
		fds = append(fds, got...)
	}
	if len(fds) != 1 {
		closeFDs(fds)
		return RequestHeader{}, -1, fmt.Errorf("%w: %d descriptors in hand-off, want 1", ErrBadHandoff, len(fds))
	}
	return hdr, fds[0], nil
}

func closeRights(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for i := range msgs {
		if fds, err := unix.ParseUnixRights(&msgs[i]); err == nil {
			closeFDs(fds)
		}
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
