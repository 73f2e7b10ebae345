// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygisk

import "sync"

var (
	pinMu  sync.Mutex
	pinned []any
)

// Pin keeps v reachable for the remainder of the process. The host
// holds raw pointers into Go memory (the callback table, the module
// reference, hook method records and replacement thunks), and raw
// pointers are invisible to the collector. There is no unpin:
// everything handed across the boundary stays valid until the process
// execs into its target or exits.
func Pin(v any) {
	pinMu.Lock()
	pinned = append(pinned, v)
	pinMu.Unlock()
}

// PinnedCount returns how many values are pinned, for diagnostics.
func PinnedCount() int {
	pinMu.Lock()
	defer pinMu.Unlock()
	return len(pinned)
}
