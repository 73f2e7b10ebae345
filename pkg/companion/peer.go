// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package companion

import (
	"fmt"
	"net"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// PeerInfo identifies the process on the far end of a companion
// connection.
type PeerInfo struct {
	PID  int32
	UID  uint32
	GID  uint32
	Name string
}

// Peer reads SO_PEERCRED off conn and resolves the peer's process
// name. The credentials are authoritative since the kernel stamps them
// at connect time; name resolution is best effort and may come back
// empty for a peer that already died.
func Peer(conn *net.UnixConn) (PeerInfo, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerInfo{}, fmt.Errorf("peer: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return PeerInfo{}, fmt.Errorf("peer: %w", err)
	}
	if credErr != nil {
		return PeerInfo{}, fmt.Errorf("peer credentials: %w", credErr)
	}

	info := PeerInfo{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}
	if proc, err := process.NewProcess(cred.Pid); err == nil {
		if name, err := proc.Name(); err == nil {
			info.Name = name
		}
	}
	return info, nil
}
