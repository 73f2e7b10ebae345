// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygotesim

import (
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/rmnscnce/zygisk-go/pkg/companion"
)

// Broker hands companion connections from simulated workers to the
// companion runtime. Each connect builds a fresh socket pair: the
// worker keeps one end, the other rides the control socket to the
// runtime with the worker's identity stamped on it.
type Broker struct {
	ctrl    *net.UnixConn
	logger  *zap.Logger
	nextReq atomic.Uint32
}

// NewBroker wraps the broker end of a control pair.
func NewBroker(ctrl *net.UnixConn, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{ctrl: ctrl, logger: logger}
}

// Connect opens one companion stream for p. The returned descriptor is
// the worker's end; the caller owns it.
func (b *Broker) Connect(p *Process) (int, error) {
	worker, runtime, err := companion.StreamPair()
	if err != nil {
		return -1, fmt.Errorf("stream pair: %w", err)
	}

	hdr := companion.RequestHeader{
		PID:   int32(p.pid),
		UID:   p.uid,
		GID:   p.uid,
		ABI:   uint8(p.abiBits),
		ReqID: b.nextReq.Add(1),
	}
	if err := companion.SendFD(b.ctrl, hdr, runtime); err != nil {
		unix.Close(worker)
		unix.Close(runtime)
		return -1, fmt.Errorf("hand off companion fd: %w", err)
	}
	// The control message carries its own duplicate; drop ours.
	unix.Close(runtime)

	b.logger.Debug("companion stream brokered",
		zap.Int32("pid", hdr.PID),
		zap.Uint32("req_id", hdr.ReqID),
	)
	return worker, nil
}
