// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygisk

import (
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/rmnscnce/zygisk-go/pkg/abi"
	"github.com/rmnscnce/zygisk-go/pkg/companion"
)

// Lifecycle phases of one worker process, in order. A process visits
// either the app pair or the server pair, never both.
const (
	phaseRegistering int32 = iota
	phaseLoaded
	phaseAppSpecializing
	phaseServerSpecializing
	phaseDetached
)

var (
	regMu          sync.Mutex
	registeredMod  Module
	registeredComp companion.Handler
)

// RegisterModule records m as this library's module implementation,
// usually from an init function. One loadable library carries exactly
// one module; a second registration panics.
func RegisterModule(m Module) {
	if m == nil {
		panic("zygisk: RegisterModule(nil)")
	}
	regMu.Lock()
	defer regMu.Unlock()
	if registeredMod != nil {
		panic("zygisk: module already registered")
	}
	registeredMod = m
}

// RegisterCompanion records h as the companion connection handler. A
// second registration panics.
func RegisterCompanion(h companion.Handler) {
	if h == nil {
		panic("zygisk: RegisterCompanion(nil)")
	}
	regMu.Lock()
	defer regMu.Unlock()
	if registeredComp != nil {
		panic("zygisk: companion handler already registered")
	}
	registeredComp = h
}

// ModuleRegistered reports whether RegisterModule has been called.
func ModuleRegistered() bool {
	regMu.Lock()
	defer regMu.Unlock()
	return registeredMod != nil
}

// RegisteredCompanion returns the handler recorded by
// RegisterCompanion, or nil when none was registered. Hosting code
// that runs the companion in-process uses this to wire the runtime.
func RegisteredCompanion() companion.Handler {
	regMu.Lock()
	defer regMu.Unlock()
	return registeredComp
}

// moduleState is the opaque reference handed to the host inside the
// callback table. The host passes it back as the first argument of
// every trampoline; nothing outside this file ever inspects it.
type moduleState struct {
	raw    *abi.RawApiTable
	module Module
	phase  atomic.Int32
}

func (st *moduleState) borrow(op string) *Api {
	if st.phase.Load() == phaseDetached {
		panic("zygisk: " + op + " dispatched after specialization completed")
	}
	return &Api{raw: st.raw, scope: &callScope{}}
}

// ModuleEntry is the module-side entry point the host calls once per
// worker process, right after loading the library. table points at the
// host's api table and env at the process JNI environment, both
// untyped across the boundary. Faults from module code never unwind
// past here; they abort the process instead.
func ModuleEntry(table unsafe.Pointer, env unsafe.Pointer) {
	defer contain("module entry")

	regMu.Lock()
	m := registeredMod
	regMu.Unlock()
	if m == nil {
		logger().Warn("module entry without a registered module")
		return
	}
	if table == nil {
		logger().Warn("module entry with a nil api table")
		return
	}

	raw := (*abi.RawApiTable)(table)
	st := &moduleState{raw: raw, module: m}
	cb := &abi.CallbackTable{
		APIVersion:           abi.Version,
		Handle:               unsafe.Pointer(st),
		OnLoad:               onLoadTramp,
		PreAppSpecialize:     preAppTramp,
		PostAppSpecialize:    postAppTramp,
		PreServerSpecialize:  preServerTramp,
		PostServerSpecialize: postServerTramp,
	}

	// The host keeps raw pointers to both allocations for the rest of
	// the process lifetime. Pin them so the collector never reclaims
	// either.
	Pin(st)
	Pin(cb)

	if raw.RegisterModule == nil || !raw.RegisterModule(raw, cb) {
		logger().Warn("host refused module registration", zap.Int32("api_version", abi.Version))
		return
	}
	st.phase.Store(phaseLoaded)
	logger().Debug("module registered", zap.Int32("api_version", abi.Version))

	onLoadTramp(cb.Handle, abi.JNIEnv(env))
}

// CompanionEntry is the companion-side entry point. fd is the
// connected stream descriptor handed off by the privileged spawner;
// ownership transfers here and the connection closes when the handler
// returns. Handler faults abort the process.
func CompanionEntry(fd int) {
	defer contain("companion entry")

	regMu.Lock()
	h := registeredComp
	regMu.Unlock()
	if h == nil {
		logger().Warn("companion entry without a registered handler")
		unix.Close(fd)
		return
	}

	conn, err := companion.Adopt(fd)
	if err != nil {
		logger().Warn("companion descriptor rejected", zap.Error(err))
		return
	}
	defer conn.Close()
	h(conn)
}

func onLoadTramp(handle unsafe.Pointer, env abi.JNIEnv) {
	defer contain("on-load")
	st := (*moduleState)(handle)
	api := st.borrow("on-load")
	defer api.scope.end()
	st.module.OnLoad(api, env)
}

func preAppTramp(handle unsafe.Pointer, args *abi.AppSpecializeArgs) {
	defer contain("pre-app-specialize")
	st := (*moduleState)(handle)
	api := st.borrow("pre-app-specialize")
	st.phase.Store(phaseAppSpecializing)
	defer api.scope.end()
	st.module.PreAppSpecialize(api, args)
}

func postAppTramp(handle unsafe.Pointer, args *abi.AppSpecializeArgs) {
	defer contain("post-app-specialize")
	st := (*moduleState)(handle)
	api := st.borrow("post-app-specialize")
	defer func() {
		api.scope.end()
		st.phase.Store(phaseDetached)
	}()
	st.module.PostAppSpecialize(api, args)
}

func preServerTramp(handle unsafe.Pointer, args *abi.ServerSpecializeArgs) {
	defer contain("pre-server-specialize")
	st := (*moduleState)(handle)
	api := st.borrow("pre-server-specialize")
	st.phase.Store(phaseServerSpecializing)
	defer api.scope.end()
	st.module.PreServerSpecialize(api, args)
}

func postServerTramp(handle unsafe.Pointer, args *abi.ServerSpecializeArgs) {
	defer contain("post-server-specialize")
	st := (*moduleState)(handle)
	api := st.borrow("post-server-specialize")
	defer func() {
		api.scope.end()
		st.phase.Store(phaseDetached)
	}()
	st.module.PostServerSpecialize(api, args)
}

// contain converts an escaped panic into a process abort. Unwinding
// into host code from a partially specialized fork is never safe, so
// the failure mode is a logged crash.
func contain(where string) {
	if rec := recover(); rec != nil {
		logger().Error("fatal fault at module boundary",
			zap.String("where", where),
			zap.Any("panic", rec),
			zap.ByteString("stack", debug.Stack()),
		)
		abortProcess()
	}
}

// abortProcess raises SIGABRT so a boundary fault surfaces as a crash,
// never as an unwind into host code.
var abortProcess = func() {
	unix.Kill(unix.Getpid(), unix.SIGABRT)
	os.Exit(2)
}
