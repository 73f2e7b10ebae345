// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygisk

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/rmnscnce/zygisk-go/pkg/abi"
	"github.com/rmnscnce/zygisk-go/pkg/companion"
)

// ErrCompanion is the single failure returned for any companion
// connection problem, a refused connect and a host without companion
// support alike.
var ErrCompanion = errors.New("zygisk: companion connection unavailable")

// Api is the capability handle lent to each lifecycle callback. It
// borrows the host's api table, so it is only valid until the callback
// that received it returns; operations on a stale handle panic. See
// Retain for the escape hatch. Api does no locking: the host drives at
// most one callback at a time per process.
type Api struct {
	raw   *abi.RawApiTable
	scope *callScope
}

// callScope bounds one borrowed Api to one callback invocation.
type callScope struct {
	done atomic.Bool
}

func (s *callScope) end() { s.done.Store(true) }

func (a *Api) guard(op string) {
	if a.scope != nil && a.scope.done.Load() {
		panic("zygisk: " + op + " on an api handle after its callback returned")
	}
}

// ConnectCompanion opens a byte stream to the module's companion
// process. Every failure, including a host without companion support,
// comes back as ErrCompanion. Connecting is only possible before
// specialization; process confinement blocks it afterwards.
func (a *Api) ConnectCompanion() (*net.UnixConn, error) {
	a.guard("ConnectCompanion")
	if a.raw.ConnectCompanion == nil {
		return nil, ErrCompanion
	}
	fd := a.raw.ConnectCompanion(a.raw.This)
	if fd < 0 {
		return nil, ErrCompanion
	}
	conn, err := companion.Adopt(fd)
	if err != nil {
		logger().Debug("companion descriptor adoption failed", zap.Error(err))
		return nil, ErrCompanion
	}
	return conn, nil
}

// ModuleDir returns a directory descriptor for the module's install
// directory, or -1 when the host cannot provide one. The descriptor is
// usable before specialization and from the companion process; the
// caller owns it.
func (a *Api) ModuleDir() int {
	a.guard("ModuleDir")
	if a.raw.GetModuleDir == nil {
		return -1
	}
	return a.raw.GetModuleDir(a.raw.This)
}

// SetOption requests one host behavior change. Fire and forget; hosts
// without the slot ignore it.
func (a *Api) SetOption(opt abi.Option) {
	a.guard("SetOption")
	if a.raw.SetOption == nil {
		return
	}
	a.raw.SetOption(a.raw.This, opt)
}

// Flags returns the host's current state bitmask for this process,
// queried fresh on every call. A bit pattern outside the known set
// panics: that is version skew this layer cannot reason about, and
// discarding it silently would hide real state. Hosts without the slot
// report no flags.
func (a *Api) Flags() abi.StateFlags {
	a.guard("Flags")
	if a.raw.GetFlags == nil {
		return 0
	}
	bits := a.raw.GetFlags(a.raw.This)
	flags, ok := abi.FlagsFromBits(bits)
	if !ok {
		panic(fmt.Sprintf("zygisk: unsupported state flags %#x returned by host", bits))
	}
	return flags
}

// ExemptFD asks the host to keep fd open across app specialization.
// Meaningful only during pre-app-specialize; elsewhere the host either
// ignores it or reports failure, and this layer forwards whichever
// without second-guessing. Hosts without the slot report false.
func (a *Api) ExemptFD(fd int) bool {
	a.guard("ExemptFD")
	if a.raw.ExemptFD == nil {
		return false
	}
	return a.raw.ExemptFD(fd)
}

// HookJNINativeMethods rebinds native methods on className. On return
// every matched entry's Fn carries the previous binding and every
// unmatched entry's Fn is nil. The methods slice and each replacement
// must stay valid for as long as the VM may call through them, which
// is the rest of the process; Pin covers that. Hosts without the slot
// leave methods untouched.
func (a *Api) HookJNINativeMethods(env abi.JNIEnv, className string, methods []abi.NativeMethod) {
	a.guard("HookJNINativeMethods")
	if a.raw.HookJNINativeMethods == nil {
		return
	}
	a.raw.HookJNINativeMethods(env, className, methods)
}

// PLTHookRegister buffers one import rebinding against the mapped
// image identified by (dev, inode), the pair the maps table reports
// for the image. Nothing changes until PLTHookCommit applies the whole
// batch. When original is non-nil the previous target is stored
// through it at commit; replacement and the memory behind original
// must stay valid for the rest of the process. Hosts without the slot
// ignore the registration.
func (a *Api) PLTHookRegister(dev, inode uint64, symbol string, replacement unsafe.Pointer, original *unsafe.Pointer) {
	a.guard("PLTHookRegister")
	if a.raw.PLTHookRegister == nil {
		return
	}
	a.raw.PLTHookRegister(dev, inode, symbol, replacement, original)
}

// PLTHookCommit applies every buffered rebinding as one batch. The
// result is coarse: false means the batch did not take, with no
// per-entry detail. Hosts without the slot report false.
func (a *Api) PLTHookCommit() bool {
	a.guard("PLTHookCommit")
	if a.raw.PLTHookCommit == nil {
		return false
	}
	return a.raw.PLTHookCommit()
}

// Retain unbinds the handle from its callback scope. A borrowed handle
// dies when its callback returns; a retained one keeps working until
// the host tears the api table down after post-specialize, and nothing
// checks that for you. Prefer finishing work inside the callback.
func (a *Api) Retain() *RetainedApi {
	a.guard("Retain")
	return &RetainedApi{Api{raw: a.raw}}
}

// RetainedApi is an Api whose validity the caller tracks manually.
// Operations work until the host invalidates the table after
// post-specialize; using it past that point is undefined behavior on
// the host side, not a caught fault.
type RetainedApi struct {
	Api
}
