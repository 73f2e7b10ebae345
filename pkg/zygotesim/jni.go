// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygotesim

import (
	"unsafe"

	"github.com/rmnscnce/zygisk-go/pkg/abi"
)

type methodKey struct {
	name      string
	signature string
}

// methodRegistry simulates the VM's native method bindings per class.
type methodRegistry struct {
	classes map[string]map[methodKey]unsafe.Pointer
}

// hook performs the lookup-and-swap contract over methods in place:
// each matched entry's Fn is swapped with the current binding, each
// unmatched entry's Fn is cleared to nil. Returns the match count.
func (r *methodRegistry) hook(className string, methods []abi.NativeMethod) int {
	class := r.classes[className]
	matched := 0
	for i := range methods {
		key := methodKey{name: methods[i].Name, signature: methods[i].Signature}
		current, ok := class[key]
		if !ok {
			methods[i].Fn = nil
			continue
		}
		class[key] = methods[i].Fn
		methods[i].Fn = current
		matched++
	}
	return matched
}

// binding returns the current Fn bound for a class method.
func (r *methodRegistry) binding(className, name, signature string) (unsafe.Pointer, bool) {
	class, ok := r.classes[className]
	if !ok {
		return nil, false
	}
	fn, ok := class[methodKey{name: name, signature: signature}]
	return fn, ok
}
