// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package abi

import "unsafe"

// JNIEnv is the per-thread JNI environment pointer owned by the VM.
// It is carried through untouched; nothing in this kit dereferences it.
type JNIEnv unsafe.Pointer

// NativeMethod describes one native-method binding on a Java class.
// Fn carries the replacement in; after a hook call the host stores the
// previous binding there, or nil when no method matched. The record
// and the replacement it points to must stay valid for as long as the
// host may call through them, which is the rest of the process.
type NativeMethod struct {
	Name      string
	Signature string
	Fn        unsafe.Pointer
}

// AppSpecializeArgs is the host's application specialization argument
// block. Its layout belongs to the host and is deliberately not
// modeled here; modules pass the pointer through untouched.
type AppSpecializeArgs struct {
	Raw unsafe.Pointer
}

// ServerSpecializeArgs is the system-server counterpart of
// AppSpecializeArgs, equally opaque.
type ServerSpecializeArgs struct {
	Raw unsafe.Pointer
}
