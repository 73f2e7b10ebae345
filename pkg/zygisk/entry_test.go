// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygisk

import (
	"net"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rmnscnce/zygisk-go/pkg/abi"
)

// resetRegistry clears the package registry between tests. Production
// registration is once per process; tests drive many lifecycles in one.
func resetRegistry() {
	regMu.Lock()
	registeredMod = nil
	registeredComp = nil
	regMu.Unlock()
}

// stubAbort replaces the process abort with a counter for the duration
// of one test.
func stubAbort(t *testing.T) *int {
	t.Helper()
	n := new(int)
	prev := abortProcess
	abortProcess = func() { *n++ }
	t.Cleanup(func() { abortProcess = prev })
	return n
}

// recordingModule notes every callback it receives and can be told to
// fault inside one of them.
type recordingModule struct {
	BaseModule
	calls  []string
	faulty string
}

func (m *recordingModule) step(name string) {
	m.calls = append(m.calls, name)
	if m.faulty == name {
		panic("module fault in " + name)
	}
}

func (m *recordingModule) OnLoad(*Api, abi.JNIEnv)                              { m.step("onload") }
func (m *recordingModule) PreAppSpecialize(*Api, *abi.AppSpecializeArgs)        { m.step("pre-app") }
func (m *recordingModule) PostAppSpecialize(*Api, *abi.AppSpecializeArgs)       { m.step("post-app") }
func (m *recordingModule) PreServerSpecialize(*Api, *abi.ServerSpecializeArgs)  { m.step("pre-server") }
func (m *recordingModule) PostServerSpecialize(*Api, *abi.ServerSpecializeArgs) { m.step("post-server") }

// fakeHost is the registering side of the boundary: an api table whose
// RegisterModule captures the callback table.
type fakeHost struct {
	cb     *abi.CallbackTable
	accept bool
}

func (h *fakeHost) table() *abi.RawApiTable {
	return &abi.RawApiTable{
		RegisterModule: func(_ *abi.RawApiTable, cb *abi.CallbackTable) bool {
			if !h.accept {
				return false
			}
			h.cb = cb
			return true
		},
	}
}

func wantCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("callbacks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("callbacks = %v, want %v", got, want)
		}
	}
}

func TestModuleEntryRegistersAndRunsOnLoad(t *testing.T) {
	resetRegistry()
	mod := &recordingModule{}
	RegisterModule(mod)

	host := &fakeHost{accept: true}
	ModuleEntry(unsafe.Pointer(host.table()), nil)

	if host.cb == nil {
		t.Fatal("host never received a callback table")
	}
	if host.cb.APIVersion != abi.Version {
		t.Errorf("APIVersion = %d, want %d", host.cb.APIVersion, abi.Version)
	}
	wantCalls(t, mod.calls, []string{"onload"})
}

func TestAppWindowSequence(t *testing.T) {
	resetRegistry()
	aborts := stubAbort(t)
	mod := &recordingModule{}
	RegisterModule(mod)

	host := &fakeHost{accept: true}
	ModuleEntry(unsafe.Pointer(host.table()), nil)

	args := &abi.AppSpecializeArgs{}
	host.cb.PreAppSpecialize(host.cb.Handle, args)
	host.cb.PostAppSpecialize(host.cb.Handle, args)
	wantCalls(t, mod.calls, []string{"onload", "pre-app", "post-app"})
	if *aborts != 0 {
		t.Fatalf("clean window aborted %d times", *aborts)
	}

	// After post-specialize the module is detached; another dispatch is
	// a host bug and must abort, not run module code.
	host.cb.PreAppSpecialize(host.cb.Handle, args)
	if *aborts != 1 {
		t.Errorf("dispatch after detach: aborts = %d, want 1", *aborts)
	}
	wantCalls(t, mod.calls, []string{"onload", "pre-app", "post-app"})
}

func TestServerWindowSequence(t *testing.T) {
	resetRegistry()
	aborts := stubAbort(t)
	mod := &recordingModule{}
	RegisterModule(mod)

	host := &fakeHost{accept: true}
	ModuleEntry(unsafe.Pointer(host.table()), nil)

	args := &abi.ServerSpecializeArgs{}
	host.cb.PreServerSpecialize(host.cb.Handle, args)
	host.cb.PostServerSpecialize(host.cb.Handle, args)
	wantCalls(t, mod.calls, []string{"onload", "pre-server", "post-server"})

	host.cb.PostServerSpecialize(host.cb.Handle, args)
	if *aborts != 1 {
		t.Errorf("dispatch after detach: aborts = %d, want 1", *aborts)
	}
}

func TestRefusedRegistrationRunsNothing(t *testing.T) {
	resetRegistry()
	mod := &recordingModule{}
	RegisterModule(mod)

	host := &fakeHost{accept: false}
	ModuleEntry(unsafe.Pointer(host.table()), nil)

	if len(mod.calls) != 0 {
		t.Errorf("refused module still ran %v", mod.calls)
	}
}

func TestModuleEntryHostWithoutRegisterSlot(t *testing.T) {
	resetRegistry()
	mod := &recordingModule{}
	RegisterModule(mod)

	ModuleEntry(unsafe.Pointer(&abi.RawApiTable{}), nil)
	if len(mod.calls) != 0 {
		t.Errorf("module ran without registration: %v", mod.calls)
	}
}

func TestModuleEntryWithoutRegisteredModule(t *testing.T) {
	resetRegistry()
	host := &fakeHost{accept: true}
	ModuleEntry(unsafe.Pointer(host.table()), nil) // must not panic
	if host.cb != nil {
		t.Error("nothing should register without a module")
	}
}

func TestModuleEntryNilTable(t *testing.T) {
	resetRegistry()
	RegisterModule(&recordingModule{})
	ModuleEntry(nil, nil) // must not panic
}

func TestOnLoadFaultAborts(t *testing.T) {
	resetRegistry()
	aborts := stubAbort(t)
	RegisterModule(&recordingModule{faulty: "onload"})

	host := &fakeHost{accept: true}
	ModuleEntry(unsafe.Pointer(host.table()), nil)

	if *aborts != 1 {
		t.Errorf("aborts = %d, want 1", *aborts)
	}
}

func TestCallbackFaultAborts(t *testing.T) {
	resetRegistry()
	aborts := stubAbort(t)
	mod := &recordingModule{faulty: "pre-app"}
	RegisterModule(mod)

	host := &fakeHost{accept: true}
	ModuleEntry(unsafe.Pointer(host.table()), nil)
	host.cb.PreAppSpecialize(host.cb.Handle, &abi.AppSpecializeArgs{})

	if *aborts != 1 {
		t.Errorf("aborts = %d, want 1", *aborts)
	}
	wantCalls(t, mod.calls, []string{"onload", "pre-app"})
}

func TestDoubleRegistrationPanics(t *testing.T) {
	resetRegistry()
	RegisterModule(&recordingModule{})
	defer func() {
		if recover() == nil {
			t.Error("second RegisterModule should panic")
		}
	}()
	RegisterModule(&recordingModule{})
}

func TestRegisterNilPanics(t *testing.T) {
	resetRegistry()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("RegisterModule(nil) should panic")
			}
		}()
		RegisterModule(nil)
	}()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("RegisterCompanion(nil) should panic")
			}
		}()
		RegisterCompanion(nil)
	}()
}

func TestModuleRegisteredQuery(t *testing.T) {
	resetRegistry()
	if ModuleRegistered() {
		t.Error("ModuleRegistered = true on empty registry")
	}
	RegisterModule(&recordingModule{})
	if !ModuleRegistered() {
		t.Error("ModuleRegistered = false after registration")
	}
}

func TestCompanionEntryDispatchesHandler(t *testing.T) {
	resetRegistry()
	served := make(chan string, 1)
	RegisterCompanion(func(conn *net.UnixConn) {
		buf := make([]byte, 5)
		n, _ := conn.Read(buf)
		served <- string(buf[:n])
		conn.Write([]byte("reply"))
	})

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[1])
	if _, err := unix.Write(fds[1], []byte("hello")); err != nil {
		t.Fatal(err)
	}

	CompanionEntry(fds[0])

	if got := <-served; got != "hello" {
		t.Errorf("handler read %q, want hello", got)
	}
	buf := make([]byte, 16)
	n, err := unix.Read(fds[1], buf)
	if err != nil || string(buf[:n]) != "reply" {
		t.Errorf("peer read %q (%v), want reply", buf[:n], err)
	}
	// Entry closes the connection when the handler returns.
	if n, _ := unix.Read(fds[1], buf); n != 0 {
		t.Errorf("connection should be closed, read %d bytes", n)
	}
}

func TestCompanionEntryWithoutHandlerClosesFD(t *testing.T) {
	resetRegistry()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[1])

	CompanionEntry(fds[0])

	buf := make([]byte, 1)
	if n, _ := unix.Read(fds[1], buf); n != 0 {
		t.Error("descriptor should have been closed")
	}
}

func TestCompanionFaultAborts(t *testing.T) {
	resetRegistry()
	aborts := stubAbort(t)
	RegisterCompanion(func(*net.UnixConn) {
		panic("companion fault")
	})

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[1])

	CompanionEntry(fds[0])
	if *aborts != 1 {
		t.Errorf("aborts = %d, want 1", *aborts)
	}
}

func TestPinArena(t *testing.T) {
	before := PinnedCount()
	Pin(new(int))
	Pin(make([]byte, 4))
	if got := PinnedCount(); got != before+2 {
		t.Errorf("PinnedCount = %d, want %d", got, before+2)
	}
}
