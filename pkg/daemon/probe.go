// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package daemon

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/rmnscnce/zygisk-go/pkg/abi"
	"github.com/rmnscnce/zygisk-go/pkg/memmap"
	"github.com/rmnscnce/zygisk-go/pkg/zygisk"
)

// The native method the host seeds and the probe rebinds each app
// window. Binder's execTransact is registered in every app process,
// which makes it a realistic rebinding target.
const (
	binderClass     = "android/os/Binder"
	binderMethod    = "execTransact"
	binderSignature = "(IJJI)Z"
)

// probeModule is the workload the daemon drives when no real module is
// linked in. Each specialization window touches every api table slot
// once, so the event stream, the metrics and the companion runtime all
// carry representative traffic. The host drives at most one callback
// at a time, so the fields need no locking.
type probeModule struct {
	zygisk.BaseModule
	logger *zap.Logger

	env        abi.JNIEnv
	pltTarget  unsafe.Pointer
	binderFn   unsafe.Pointer
	exemptFD   int
	nonce      uint64
	imgOK      bool
	img        memmap.ObjID
	symbol     string
	pltOrig    unsafe.Pointer
	binderOrig unsafe.Pointer
}

func newProbeModule(logger *zap.Logger) *probeModule {
	p := &probeModule{
		logger:    logger,
		pltTarget: unsafe.Pointer(new(byte)),
		binderFn:  unsafe.Pointer(new(byte)),
		exemptFD:  -1,
	}
	// Replacement targets live as long as anything may call through
	// them, which is the rest of the process.
	zygisk.Pin(p)
	p.resolveImage()
	return p
}

// resolveImage locates the daemon's own executable in the host's image
// registry terms: its (dev, inode) pair plus one exported symbol to
// rebind. A stripped binary leaves imgOK false and the probe skips the
// batch hook path.
func (p *probeModule) resolveImage() {
	exe, err := os.Executable()
	if err != nil {
		return
	}
	id, err := memmap.Stat(exe)
	if err != nil {
		return
	}
	syms, err := memmap.ExportedFunctions(exe)
	if err != nil || len(syms) == 0 {
		p.logger.Debug("no exported symbols in own image, skipping batch hooks", zap.Error(err))
		return
	}
	p.img = id
	p.symbol = syms[0]
	p.imgOK = true
}

func (p *probeModule) OnLoad(api *zygisk.Api, env abi.JNIEnv) {
	p.env = env
	flags := api.Flags()
	if flags.Has(abi.ProcessOnDenyList) {
		api.SetOption(abi.OptionForceDenylistUnmount)
	}
	if fd := api.ModuleDir(); fd >= 0 {
		unix.Close(fd)
	}
	p.logger.Debug("probe loaded", zap.Stringer("flags", flags))
}

func (p *probeModule) PreAppSpecialize(api *zygisk.Api, _ *abi.AppSpecializeArgs) {
	p.exemptFD = -1
	if fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0); err == nil {
		if api.ExemptFD(fd) {
			p.exemptFD = fd
		} else {
			unix.Close(fd)
		}
	}

	p.pingCompanion(api)

	if p.imgOK {
		api.PLTHookRegister(p.img.Dev, p.img.Inode, p.symbol, p.pltTarget, &p.pltOrig)
		if !api.PLTHookCommit() {
			p.logger.Debug("batch hook commit refused", zap.String("symbol", p.symbol))
		}
	}

	methods := []abi.NativeMethod{
		{Name: binderMethod, Signature: binderSignature, Fn: p.binderFn},
	}
	zygisk.Pin(methods)
	api.HookJNINativeMethods(p.env, binderClass, methods)
	p.binderOrig = methods[0].Fn
}

func (p *probeModule) PostAppSpecialize(_ *zygisk.Api, _ *abi.AppSpecializeArgs) {
	if p.exemptFD >= 0 {
		unix.Close(p.exemptFD)
		p.exemptFD = -1
	}
	p.logger.Debug("probe app window done",
		zap.Bool("binder_rebound", p.binderOrig != nil),
	)
}

func (p *probeModule) PreServerSpecialize(api *zygisk.Api, _ *abi.ServerSpecializeArgs) {
	api.SetOption(abi.OptionDlcloseModuleLibrary)
	p.pingCompanion(api)
}

// pingCompanion runs one request/response round trip so every window
// exercises the hand-off path end to end.
func (p *probeModule) pingCompanion(api *zygisk.Api) {
	conn, err := api.ConnectCompanion()
	if err != nil {
		p.logger.Debug("companion unavailable", zap.Error(err))
		return
	}
	defer conn.Close()

	p.nonce++
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], p.nonce)
	if _, err := conn.Write(buf[:]); err != nil {
		p.logger.Warn("companion write failed", zap.Error(err))
		return
	}
	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		p.logger.Warn("companion read failed", zap.Error(err))
		return
	}
	if got := binary.LittleEndian.Uint64(reply[:]); got != p.nonce {
		p.logger.Warn("companion echo mismatch",
			zap.Uint64("sent", p.nonce),
			zap.Uint64("got", got),
		)
	}
}

// serveProbeCompanion echoes one 8-byte frame per connection. The
// workload only checks the round trip, not the payload semantics.
func serveProbeCompanion(conn *net.UnixConn) {
	var buf [8]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return
	}
	conn.Write(buf[:])
}
