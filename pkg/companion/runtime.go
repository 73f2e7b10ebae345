// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package companion

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Handler serves one companion connection. The host dispatches one
// invocation per connecting worker and invocations run concurrently,
// so any state a handler shares across calls is the author's to
// synchronize. The connection is closed by the runtime when the
// handler returns; the protocol tolerates either side closing first.
type Handler func(conn *net.UnixConn)

// Runtime is the long-lived privileged side of companion IPC. It
// receives connected descriptors from the host broker over a control
// socket and runs the handler once per hand-off, each on its own
// goroutine.
type Runtime struct {
	ctrl     *net.UnixConn
	handler  Handler
	logger   *zap.Logger
	sessions *SessionTable
	wg       sync.WaitGroup

	served atomic.Int64
	faults atomic.Int64
}

// NewRuntime wires a control socket to a handler. maxSessions <= 0
// picks the default cap. A nil logger keeps the runtime silent.
func NewRuntime(ctrl *net.UnixConn, h Handler, maxSessions int, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		ctrl:     ctrl,
		handler:  h,
		logger:   logger,
		sessions: NewSessionTable(maxSessions),
	}
}

// Run receives hand-offs until the control socket closes or ctx is
// canceled. It blocks, so callers usually give it a goroutine. Open
// handler goroutines are waited for before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	if r.handler == nil {
		return errors.New("companion: no handler registered")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.ctrl.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	var runErr error
	for {
		hdr, fd, err := RecvFD(r.ctrl)
		if err != nil {
			if ctx.Err() != nil && (errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed)) {
				runErr = ctx.Err()
				break
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				break
			}
			if errors.Is(err, ErrBadHandoff) {
				r.logger.Warn("dropping malformed hand-off", zap.Error(err))
				continue
			}
			runErr = err
			break
		}

		conn, err := Adopt(fd)
		if err != nil {
			r.logger.Warn("hand-off adoption failed",
				zap.Int32("peer_pid", hdr.PID),
				zap.Error(err),
			)
			continue
		}

		r.logger.Debug("companion session opened",
			zap.Int32("peer_pid", hdr.PID),
			zap.Uint32("peer_uid", hdr.UID),
			zap.Uint8("peer_abi", hdr.ABI),
		)

		r.wg.Add(1)
		go r.serve(conn, hdr)
	}

	r.wg.Wait()
	return runErr
}

func (r *Runtime) serve(conn *net.UnixConn, hdr RequestHeader) {
	defer r.wg.Done()
	defer conn.Close()
	sess := r.sessions.Open(hdr)
	defer r.sessions.Release(sess.ID)
	defer r.contain(hdr)

	r.served.Add(1)
	r.handler(conn)
}

// contain converts a handler panic into a process abort. A fault in
// privileged companion code must crash, not unwind past the boundary.
func (r *Runtime) contain(hdr RequestHeader) {
	if rec := recover(); rec != nil {
		r.faults.Add(1)
		r.logger.Error("fatal fault in companion handler",
			zap.Int32("peer_pid", hdr.PID),
			zap.Any("panic", rec),
			zap.ByteString("stack", debug.Stack()),
		)
		abortProcess()
	}
}

// Served returns the number of handler invocations started so far.
func (r *Runtime) Served() int64 { return r.served.Load() }

// Faults returns the number of contained handler faults.
func (r *Runtime) Faults() int64 { return r.faults.Load() }

// Active returns the number of sessions currently open.
func (r *Runtime) Active() int { return r.sessions.Active() }

// Sessions exposes the live session table.
func (r *Runtime) Sessions() *SessionTable { return r.sessions }

// abortProcess raises SIGABRT so the failure surfaces as a crash with
// a core, never as an unwind into host code.
var abortProcess = func() {
	unix.Kill(unix.Getpid(), unix.SIGABRT)
	os.Exit(2)
}
