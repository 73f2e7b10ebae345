// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package abi

import "strings"

// StateFlags is the host-reported state bitmask for the current process.
// It is queried on demand and never cached; the host may change it
// between callbacks.
type StateFlags uint32

const (
	ProcessGrantedRoot StateFlags = 1 << 0 // Process has a pending root grant
	ProcessOnDenyList  StateFlags = 1 << 1 // Process is on the user's deny list

	knownStateFlags = ProcessGrantedRoot | ProcessOnDenyList
)

// FlagsFromBits decodes a host-returned bitmask. ok is false when the
// mask carries bits outside the enumerated set, which callers must
// treat as unrecoverable version skew rather than discard.
func FlagsFromBits(bits uint32) (flags StateFlags, ok bool) {
	if bits&^uint32(knownStateFlags) != 0 {
		return 0, false
	}
	return StateFlags(bits), true
}

// Has reports whether every bit of f is set.
func (s StateFlags) Has(f StateFlags) bool { return s&f == f }

func (s StateFlags) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	if s.Has(ProcessGrantedRoot) {
		parts = append(parts, "granted-root")
	}
	if s.Has(ProcessOnDenyList) {
		parts = append(parts, "on-denylist")
	}
	return strings.Join(parts, "|")
}

// Option is a one-shot behavior request made through the set-option
// slot. One option per call.
type Option int32

const (
	OptionForceDenylistUnmount Option = 0 // Unmount deny-list mounts even for this process
	OptionDlcloseModuleLibrary Option = 1 // Drop the module library mapping after specialization
)

func (o Option) String() string {
	switch o {
	case OptionForceDenylistUnmount:
		return "force-denylist-unmount"
	case OptionDlcloseModuleLibrary:
		return "dlclose-module-library"
	default:
		return "unknown"
	}
}
