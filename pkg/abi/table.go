// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package abi

import "unsafe"

// Version is the API generation this kit speaks. The host compares it
// against its own range at registration time and refuses modules it
// cannot serve.
const Version int32 = 4

// RawApiTable is the host-owned function table lent to a module for one
// specialization window. Field order is part of the ABI and must not
// change; new slots are only ever appended. A nil slot means the host
// predates that capability, and every consumer falls back to the
// documented neutral behavior instead of failing.
type RawApiTable struct {
	// This is the host-side context pointer, passed back verbatim on
	// every call that takes it.
	This unsafe.Pointer

	// ConnectCompanion returns a connected stream descriptor to the
	// module's companion process, or a negative value on failure.
	ConnectCompanion func(this unsafe.Pointer) int

	// GetModuleDir returns a directory descriptor for the module's
	// install directory, or a negative value on failure.
	GetModuleDir func(this unsafe.Pointer) int

	// SetOption requests one host behavior change. Fire and forget.
	SetOption func(this unsafe.Pointer, opt Option)

	// GetFlags returns the raw state bitmask for the current process.
	GetFlags func(this unsafe.Pointer) uint32

	// ExemptFD excludes fd from the host's descriptor sanitization
	// during app specialization. Only meaningful before the app
	// specializes; the host reports the outcome.
	ExemptFD func(fd int) bool

	// HookJNINativeMethods rebinds native methods on className. The
	// host swaps each matched entry's Fn to the previous binding and
	// nils the Fn of entries it could not match.
	HookJNINativeMethods func(env JNIEnv, className string, methods []NativeMethod)

	// PLTHookRegister buffers one symbol rebinding against the mapped
	// image identified by (dev, inode). Nothing is applied until
	// PLTHookCommit.
	PLTHookRegister func(dev, inode uint64, symbol string, replacement unsafe.Pointer, original *unsafe.Pointer)

	// PLTHookCommit applies every buffered rebinding as one batch and
	// reports coarse success.
	PLTHookCommit func() bool

	// RegisterModule hands the module's callback table to the host.
	// false refuses the module, typically for an API generation the
	// host cannot serve, and nothing of the module runs afterwards.
	RegisterModule func(table *RawApiTable, callbacks *CallbackTable) bool
}

// CallbackTable is what a module registers back into the host: the API
// generation it speaks, an opaque module reference, and one trampoline
// per lifecycle hook. The host holds the pointer for the rest of the
// process lifetime, so the table and everything reachable from it must
// never be freed or moved.
type CallbackTable struct {
	// APIVersion is the generation the module was built against.
	APIVersion int32

	// Handle is the opaque module reference handed back as the first
	// argument of every trampoline.
	Handle unsafe.Pointer

	OnLoad               func(handle unsafe.Pointer, env JNIEnv)
	PreAppSpecialize     func(handle unsafe.Pointer, args *AppSpecializeArgs)
	PostAppSpecialize    func(handle unsafe.Pointer, args *AppSpecializeArgs)
	PreServerSpecialize  func(handle unsafe.Pointer, args *ServerSpecializeArgs)
	PostServerSpecialize func(handle unsafe.Pointer, args *ServerSpecializeArgs)
}
