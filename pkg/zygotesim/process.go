// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygotesim

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/rmnscnce/zygisk-go/pkg/abi"
	"github.com/rmnscnce/zygisk-go/pkg/events"
	"github.com/rmnscnce/zygisk-go/pkg/zygisk"
)

// Stages of one simulated worker, in order. Confinement lands between
// the pre and post stage of whichever window the process runs.
const (
	stageCreated int32 = iota
	stageLoaded
	stagePreApp
	stagePostApp
	stagePreServer
	stagePostServer
	stageSpecialized
)

// ProcessSpec names one simulated worker to launch.
type ProcessSpec struct {
	Name   string
	UID    uint32
	ABI    int // 32 or 64; 0 means 64
	Server bool
}

// Process is one simulated zygote child. All lifecycle driving is
// serialized by an internal lock; the slot closures run inside that
// critical section on the driving goroutine and never lock themselves.
type Process struct {
	host    *Host
	pid     int
	name    string
	uid     uint32
	abiBits int
	server  bool
	env     unsafe.Pointer

	mu    sync.Mutex
	stage atomic.Int32
	table *abi.RawApiTable
	cb    *abi.CallbackTable

	rawFlags    uint32
	rawFlagsSet bool
	exempted    []int
	options     []abi.Option
	plt         pltState
	jni         methodRegistry
}

// PID returns the simulated process id.
func (p *Process) PID() int { return p.pid }

// Name returns the worker's process name.
func (p *Process) Name() string { return p.name }

// Table exposes the api table lent to the module.
func (p *Process) Table() *abi.RawApiTable { return p.table }

// SetRawFlags overrides the bitmask GetFlags reports, bypassing the
// denylist policy. Bits outside the known set are the point: they let a
// harness exercise version-skew handling.
func (p *Process) SetRawFlags(bits uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rawFlags = bits
	p.rawFlagsSet = true
}

// FailNextCommit arms the hook ledger to reject the next commit batch.
func (p *Process) FailNextCommit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plt.failNext = true
}

// Exempted returns the descriptors exempted so far.
func (p *Process) Exempted() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.exempted))
	copy(out, p.exempted)
	return out
}

// Options returns the options the module has set so far.
func (p *Process) Options() []abi.Option {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]abi.Option, len(p.options))
	copy(out, p.options)
	return out
}

// buildTable assembles the api table, leaving disabled slots nil.
func (p *Process) buildTable() *abi.RawApiTable {
	pol := p.host.policy
	t := &abi.RawApiTable{This: unsafe.Pointer(p)}

	if !pol.disabled(SlotConnectCompanion) {
		t.ConnectCompanion = func(_ unsafe.Pointer) int { return p.connectCompanion() }
	}
	if !pol.disabled(SlotGetModuleDir) {
		t.GetModuleDir = func(_ unsafe.Pointer) int { return p.moduleDir() }
	}
	if !pol.disabled(SlotSetOption) {
		t.SetOption = func(_ unsafe.Pointer, opt abi.Option) { p.setOption(opt) }
	}
	if !pol.disabled(SlotGetFlags) {
		t.GetFlags = func(_ unsafe.Pointer) uint32 { return p.flags() }
	}
	if !pol.disabled(SlotExemptFD) {
		t.ExemptFD = p.exemptFD
	}
	if !pol.disabled(SlotHookJNINativeMethods) {
		t.HookJNINativeMethods = p.hookMethods
	}
	if !pol.disabled(SlotPLTHookRegister) {
		t.PLTHookRegister = p.pltRegister
	}
	if !pol.disabled(SlotPLTHookCommit) {
		t.PLTHookCommit = p.pltCommit
	}
	if !pol.disabled(SlotRegisterModule) {
		t.RegisterModule = p.registerModule
	}
	return t
}

func (p *Process) registerModule(_ *abi.RawApiTable, cb *abi.CallbackTable) bool {
	if cb == nil {
		return false
	}
	pol := p.host.policy
	if cb.APIVersion < pol.APIVersionMin || cb.APIVersion > pol.APIVersionMax {
		p.host.emit(p, events.KindRegisterRefused, map[string]string{
			"api_version": strconv.Itoa(int(cb.APIVersion)),
			"accepted_min": strconv.Itoa(int(pol.APIVersionMin)),
			"accepted_max": strconv.Itoa(int(pol.APIVersionMax)),
		})
		if p.host.stats != nil {
			p.host.stats.RegistrationsRefused.Add(1)
		}
		return false
	}
	p.cb = cb
	p.host.emit(p, events.KindRegisterAccepted, map[string]string{
		"api_version": strconv.Itoa(int(cb.APIVersion)),
	})
	if p.host.stats != nil {
		p.host.stats.Registrations.Add(1)
	}
	return true
}

func (p *Process) connectCompanion() int {
	switch p.stage.Load() {
	case stagePostApp, stagePostServer, stageSpecialized:
		p.host.emit(p, events.KindCompanionRefused, map[string]string{"reason": "specialized"})
		if p.host.stats != nil {
			p.host.stats.CompanionRefused.Add(1)
		}
		return -1
	}

	broker := p.host.currentBroker()
	if broker == nil {
		p.host.emit(p, events.KindCompanionRefused, map[string]string{"reason": "no_runtime"})
		if p.host.stats != nil {
			p.host.stats.CompanionRefused.Add(1)
		}
		return -1
	}

	fd, err := broker.Connect(p)
	if err != nil {
		p.host.logger.Warn("companion hand-off failed", zap.Error(err), zap.String("process", p.name))
		p.host.emit(p, events.KindCompanionRefused, map[string]string{"reason": "handoff_error"})
		if p.host.stats != nil {
			p.host.stats.CompanionRefused.Add(1)
		}
		return -1
	}
	p.host.emit(p, events.KindCompanionConnect, map[string]string{"fd": strconv.Itoa(fd)})
	return fd
}

func (p *Process) moduleDir() int {
	fd, err := unix.Open(p.host.policy.ModuleDir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		p.host.logger.Debug("module dir open failed",
			zap.String("dir", p.host.policy.ModuleDir),
			zap.Error(err),
		)
		return -1
	}
	return fd
}

func (p *Process) setOption(opt abi.Option) {
	p.options = append(p.options, opt)
	p.host.emit(p, events.KindOptionSet, map[string]string{"option": opt.String()})
}

func (p *Process) flags() uint32 {
	if p.rawFlagsSet {
		return p.rawFlags
	}
	var bits uint32
	if nameIn(p.host.policy.Denylist, p.name) {
		bits |= uint32(abi.ProcessOnDenyList)
	}
	if nameIn(p.host.policy.GrantRoot, p.name) {
		bits |= uint32(abi.ProcessGrantedRoot)
	}
	return bits
}

func (p *Process) exemptFD(fd int) bool {
	if p.stage.Load() != stagePreApp {
		return false
	}
	p.exempted = append(p.exempted, fd)
	p.host.emit(p, events.KindFDExempted, map[string]string{"fd": strconv.Itoa(fd)})
	if p.host.stats != nil {
		p.host.stats.FDsExempted.Add(1)
	}
	return true
}

func (p *Process) hookMethods(_ abi.JNIEnv, className string, methods []abi.NativeMethod) {
	matched := p.jni.hook(className, methods)
	p.host.emit(p, events.KindMethodsHooked, map[string]string{
		"class":   className,
		"matched": strconv.Itoa(matched),
		"methods": strconv.Itoa(len(methods)),
	})
	if p.host.stats != nil {
		p.host.stats.MethodsHooked.Add(int64(matched))
	}
}

func (p *Process) pltRegister(dev, inode uint64, symbol string, replacement unsafe.Pointer, original *unsafe.Pointer) {
	p.plt.register(dev, inode, symbol, replacement, original)
	p.host.emit(p, events.KindHookRegistered, map[string]string{
		"image":  fmt.Sprintf("%d:%d", dev, inode),
		"symbol": symbol,
	})
	if p.host.stats != nil {
		p.host.stats.HooksRegistered.Add(1)
	}
}

func (p *Process) pltCommit() bool {
	applied, ok := p.plt.commit()
	p.host.emit(p, events.KindHookCommit, map[string]string{
		"applied": strconv.Itoa(applied),
		"ok":      strconv.FormatBool(ok),
	})
	if p.host.stats != nil {
		if ok {
			p.host.stats.HookCommits.Add(1)
		} else {
			p.host.stats.HookCommitFailures.Add(1)
		}
	}
	return ok
}

// LoadModule runs the module entry point against this process's table.
// Registration and the load callback both happen inside; a refused
// registration leaves the process unusable and returns an error.
func (p *Process) LoadModule() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage.Load() != stageCreated {
		return fmt.Errorf("zygotesim: process %d (%s) already loaded", p.pid, p.name)
	}
	zygisk.ModuleEntry(unsafe.Pointer(p.table), p.env)
	if p.cb == nil {
		return fmt.Errorf("zygotesim: module registration refused for process %d (%s)", p.pid, p.name)
	}
	p.stage.Store(stageLoaded)
	return nil
}

// appArgsRaw backs the opaque argument block of an app window.
type appArgsRaw struct {
	uid      uint32
	niceName string
}

// serverArgsRaw backs the opaque argument block of a server window.
type serverArgsRaw struct {
	uid uint32
}

// SpecializeApp drives one full app specialization window, pre through
// post, against the registered callbacks. The window is exported to the
// sink and returned; a fault escaping the callbacks fails the window.
func (p *Process) SpecializeApp() (events.Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage.Load() != stageLoaded {
		return events.Window{}, fmt.Errorf("zygotesim: process %d (%s) is not ready to specialize", p.pid, p.name)
	}

	args := &abi.AppSpecializeArgs{Raw: unsafe.Pointer(&appArgsRaw{uid: p.uid, niceName: p.name})}
	w := events.Window{
		TraceID: newTraceID(),
		SpanID:  newSpanID(),
		Process: p.name,
		PID:     p.pid,
		Server:  false,
		Start:   time.Now(),
	}

	p.stage.Store(stagePreApp)
	p.host.emit(p, events.KindPreAppSpecialize, map[string]string{
		"uid": strconv.FormatUint(uint64(p.uid), 10),
	})
	err := p.invoke("pre-app-specialize", func() {
		p.cb.PreAppSpecialize(p.cb.Handle, args)
	})

	if err == nil {
		// Specialization point: every descriptor not exempted is gone
		// from here on, and the companion door is shut.
		p.stage.Store(stagePostApp)
		p.host.emit(p, events.KindPostAppSpecialize, nil)
		err = p.invoke("post-app-specialize", func() {
			p.cb.PostAppSpecialize(p.cb.Handle, args)
		})
	}

	p.stage.Store(stageSpecialized)
	w.End = time.Now()
	w.OK = err == nil
	w.Attrs = map[string]string{
		"uid":          strconv.FormatUint(uint64(p.uid), 10),
		"abi":          strconv.Itoa(p.abiBits),
		"exempted_fds": strconv.Itoa(len(p.exempted)),
	}
	p.host.window(w)
	if p.host.stats != nil {
		p.host.stats.AppSpecializations.Add(1)
		if err != nil {
			p.host.stats.ModuleFaults.Add(1)
		}
	}
	return w, err
}

// SpecializeServer drives one full system server window.
func (p *Process) SpecializeServer() (events.Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage.Load() != stageLoaded {
		return events.Window{}, fmt.Errorf("zygotesim: process %d (%s) is not ready to specialize", p.pid, p.name)
	}

	args := &abi.ServerSpecializeArgs{Raw: unsafe.Pointer(&serverArgsRaw{uid: p.uid})}
	w := events.Window{
		TraceID: newTraceID(),
		SpanID:  newSpanID(),
		Process: p.name,
		PID:     p.pid,
		Server:  true,
		Start:   time.Now(),
	}

	p.stage.Store(stagePreServer)
	p.host.emit(p, events.KindPreServerSpecialize, map[string]string{
		"uid": strconv.FormatUint(uint64(p.uid), 10),
	})
	err := p.invoke("pre-server-specialize", func() {
		p.cb.PreServerSpecialize(p.cb.Handle, args)
	})

	if err == nil {
		p.stage.Store(stagePostServer)
		p.host.emit(p, events.KindPostServerSpecialize, nil)
		err = p.invoke("post-server-specialize", func() {
			p.cb.PostServerSpecialize(p.cb.Handle, args)
		})
	}

	p.stage.Store(stageSpecialized)
	w.End = time.Now()
	w.OK = err == nil
	w.Attrs = map[string]string{
		"uid": strconv.FormatUint(uint64(p.uid), 10),
		"abi": strconv.Itoa(p.abiBits),
	}
	p.host.window(w)
	if p.host.stats != nil {
		p.host.stats.ServerSpecializations.Add(1)
		if err != nil {
			p.host.stats.ModuleFaults.Add(1)
		}
	}
	return w, err
}

// invoke runs one callback, converting an escaped panic into an error.
// The real bridge aborts before anything can unwind this far; a panic
// landing here means the harness is driving callbacks directly.
func (p *Process) invoke(stage string, fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.host.logger.Error("module callback fault",
				zap.String("stage", stage),
				zap.String("process", p.name),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("zygotesim: %s: module fault: %v", stage, rec)
		}
	}()
	fn()
	return nil
}

func nameIn(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
