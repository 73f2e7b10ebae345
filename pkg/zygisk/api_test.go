// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygisk

import (
	"errors"
	"strings"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rmnscnce/zygisk-go/pkg/abi"
)

func borrowedApi(raw *abi.RawApiTable) *Api {
	return &Api{raw: raw, scope: &callScope{}}
}

func TestAbsentSlotFallbacks(t *testing.T) {
	api := borrowedApi(&abi.RawApiTable{})

	if _, err := api.ConnectCompanion(); !errors.Is(err, ErrCompanion) {
		t.Errorf("ConnectCompanion err = %v, want ErrCompanion", err)
	}
	if fd := api.ModuleDir(); fd != -1 {
		t.Errorf("ModuleDir = %d, want -1", fd)
	}
	api.SetOption(abi.OptionForceDenylistUnmount) // must not panic
	if flags := api.Flags(); flags != 0 {
		t.Errorf("Flags = %v, want 0", flags)
	}
	if api.ExemptFD(3) {
		t.Error("ExemptFD on absent slot should report false")
	}

	marker := unsafe.Pointer(new(byte))
	methods := []abi.NativeMethod{{Name: "m", Signature: "()V", Fn: marker}}
	api.HookJNINativeMethods(nil, "com/example/Cls", methods)
	if methods[0].Fn != marker {
		t.Error("absent hook slot must leave methods untouched")
	}

	api.PLTHookRegister(1, 2, "open", marker, nil) // must not panic
	if api.PLTHookCommit() {
		t.Error("PLTHookCommit on absent slot should report false")
	}
}

func TestConnectCompanionAdoptsDescriptor(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[1])

	raw := &abi.RawApiTable{
		ConnectCompanion: func(unsafe.Pointer) int { return fds[0] },
	}
	conn, err := borrowedApi(raw).ConnectCompanion()
	if err != nil {
		t.Fatalf("ConnectCompanion: %v", err)
	}
	defer conn.Close()

	// Prove the stream is live end to end.
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := unix.Read(fds[1], buf); err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("peer read %q, want ping", buf)
	}
}

func TestConnectCompanionFailures(t *testing.T) {
	refused := &abi.RawApiTable{
		ConnectCompanion: func(unsafe.Pointer) int { return -1 },
	}
	if _, err := borrowedApi(refused).ConnectCompanion(); !errors.Is(err, ErrCompanion) {
		t.Errorf("refused connect err = %v, want ErrCompanion", err)
	}

	// A descriptor that is not a socket fails adoption; the error is
	// still the single opaque one.
	fd, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	notSocket := &abi.RawApiTable{
		ConnectCompanion: func(unsafe.Pointer) int { return fd },
	}
	if _, err := borrowedApi(notSocket).ConnectCompanion(); !errors.Is(err, ErrCompanion) {
		t.Errorf("non-socket connect err = %v, want ErrCompanion", err)
	}
}

func TestFlagsDecode(t *testing.T) {
	raw := &abi.RawApiTable{
		GetFlags: func(unsafe.Pointer) uint32 { return 3 },
	}
	flags := borrowedApi(raw).Flags()
	if !flags.Has(abi.ProcessGrantedRoot) || !flags.Has(abi.ProcessOnDenyList) {
		t.Errorf("Flags = %v, want granted-root|on-denylist", flags)
	}
}

func TestFlagsUnknownBitsPanic(t *testing.T) {
	raw := &abi.RawApiTable{
		GetFlags: func(unsafe.Pointer) uint32 { return 1 << 5 },
	}
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("Flags with unknown bits should panic")
		}
		if msg, ok := rec.(string); !ok || !strings.Contains(msg, "unsupported state flags") {
			t.Errorf("panic = %v, want unsupported state flags message", rec)
		}
	}()
	borrowedApi(raw).Flags()
}

func TestSlotForwarding(t *testing.T) {
	var (
		gotOption   abi.Option
		gotExempt   int
		gotSymbol   string
		committed   bool
		hookedClass string
	)
	swapped := unsafe.Pointer(new(byte))
	raw := &abi.RawApiTable{
		GetModuleDir: func(unsafe.Pointer) int { return 42 },
		SetOption:    func(_ unsafe.Pointer, opt abi.Option) { gotOption = opt },
		ExemptFD: func(fd int) bool {
			gotExempt = fd
			return true
		},
		HookJNINativeMethods: func(_ abi.JNIEnv, className string, methods []abi.NativeMethod) {
			hookedClass = className
			methods[0].Fn = swapped
		},
		PLTHookRegister: func(_, _ uint64, symbol string, _ unsafe.Pointer, _ *unsafe.Pointer) {
			gotSymbol = symbol
		},
		PLTHookCommit: func() bool {
			committed = true
			return true
		},
	}
	api := borrowedApi(raw)

	if fd := api.ModuleDir(); fd != 42 {
		t.Errorf("ModuleDir = %d, want 42", fd)
	}
	api.SetOption(abi.OptionDlcloseModuleLibrary)
	if gotOption != abi.OptionDlcloseModuleLibrary {
		t.Errorf("SetOption forwarded %v", gotOption)
	}
	if !api.ExemptFD(7) || gotExempt != 7 {
		t.Errorf("ExemptFD forwarded fd %d, result false", gotExempt)
	}

	methods := []abi.NativeMethod{{Name: "n", Signature: "()V", Fn: unsafe.Pointer(new(byte))}}
	api.HookJNINativeMethods(nil, "android/os/Binder", methods)
	if hookedClass != "android/os/Binder" {
		t.Errorf("hook class = %q", hookedClass)
	}
	if methods[0].Fn != swapped {
		t.Error("host swap must be visible through the same slice")
	}

	api.PLTHookRegister(9, 9, "__openat", unsafe.Pointer(new(byte)), nil)
	if gotSymbol != "__openat" {
		t.Errorf("PLTHookRegister symbol = %q", gotSymbol)
	}
	if !api.PLTHookCommit() || !committed {
		t.Error("PLTHookCommit should forward and report true")
	}
}

func TestRevokedHandlePanics(t *testing.T) {
	api := borrowedApi(&abi.RawApiTable{})
	api.scope.end()

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("use after callback return should panic")
		}
		msg, ok := rec.(string)
		if !ok || !strings.Contains(msg, "after its callback returned") {
			t.Errorf("panic = %v, want revocation message", rec)
		}
	}()
	api.Flags()
}

func TestRetainOutlivesCallback(t *testing.T) {
	raw := &abi.RawApiTable{
		GetFlags: func(unsafe.Pointer) uint32 { return uint32(abi.ProcessOnDenyList) },
	}
	api := borrowedApi(raw)
	retained := api.Retain()
	api.scope.end()

	// The borrowed handle is dead, the retained one keeps working.
	func() {
		defer func() {
			if recover() == nil {
				t.Error("borrowed handle should be revoked")
			}
		}()
		api.Flags()
	}()

	if flags := retained.Flags(); !flags.Has(abi.ProcessOnDenyList) {
		t.Errorf("retained Flags = %v, want on-denylist", flags)
	}
}

func TestRetainAfterRevokePanics(t *testing.T) {
	api := borrowedApi(&abi.RawApiTable{})
	api.scope.end()
	defer func() {
		if recover() == nil {
			t.Error("Retain on a revoked handle should panic")
		}
	}()
	api.Retain()
}
