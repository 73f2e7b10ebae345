// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package companion

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAdoptRejectsBadDescriptors(t *testing.T) {
	if _, err := Adopt(-1); err == nil {
		t.Error("Adopt(-1) should fail")
	}

	// Ownership transfers to Adopt even on failure; no close here.
	fd, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Adopt(fd); err == nil {
		t.Error("Adopt of a non-socket should fail")
	}
}

func TestStreamPairConnected(t *testing.T) {
	worker, runtime, err := StreamPair()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(worker)
	defer unix.Close(runtime)

	if _, err := unix.Write(worker, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	if n, err := unix.Read(runtime, buf); err != nil || n != 2 {
		t.Fatalf("read %d bytes, err %v", n, err)
	}
	if string(buf) != "hi" {
		t.Errorf("read %q, want hi", buf)
	}
}

func TestSendRecvFD(t *testing.T) {
	broker, runtime, err := ControlPair()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()
	defer runtime.Close()

	worker, payload, err := StreamPair()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(worker)

	hdr := RequestHeader{PID: 1234, UID: 10001, GID: 10001, ABI: ABI64, ReqID: 9}
	if err := SendFD(broker, hdr, payload); err != nil {
		t.Fatalf("SendFD: %v", err)
	}
	// The kernel holds its own reference while in flight.
	unix.Close(payload)

	gotHdr, fd, err := RecvFD(runtime)
	if err != nil {
		t.Fatalf("RecvFD: %v", err)
	}
	defer unix.Close(fd)
	if gotHdr != hdr {
		t.Errorf("header = %+v, want %+v", gotHdr, hdr)
	}

	// The received descriptor is the live peer of the worker end.
	if _, err := unix.Write(fd, []byte("x")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if n, err := unix.Read(worker, buf); err != nil || n != 1 || buf[0] != 'x' {
		t.Errorf("worker read %q (n=%d, err=%v)", buf[:n], n, err)
	}
}

func TestRecvFDBadMagic(t *testing.T) {
	broker, runtime, err := ControlPair()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()
	defer runtime.Close()

	worker, payload, err := StreamPair()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(worker)

	raw := EncodeRequestHeader(RequestHeader{PID: 1})
	raw[0] ^= 0xff
	if _, _, err := broker.WriteMsgUnix(raw, unix.UnixRights(payload), nil); err != nil {
		t.Fatal(err)
	}
	unix.Close(payload)

	_, _, err = RecvFD(runtime)
	if !errors.Is(err, ErrBadHandoff) {
		t.Fatalf("err = %v, want ErrBadHandoff", err)
	}

	// The carried descriptor was closed on rejection: the worker end
	// sees EOF.
	buf := make([]byte, 1)
	if n, _ := unix.Read(worker, buf); n != 0 {
		t.Error("carried descriptor should have been closed")
	}
}

func TestRecvFDMissingDescriptor(t *testing.T) {
	broker, runtime, err := ControlPair()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()
	defer runtime.Close()

	if _, _, err := broker.WriteMsgUnix(EncodeRequestHeader(RequestHeader{PID: 2}), nil, nil); err != nil {
		t.Fatal(err)
	}

	_, _, err = RecvFD(runtime)
	if !errors.Is(err, ErrBadHandoff) {
		t.Errorf("err = %v, want ErrBadHandoff", err)
	}
}
