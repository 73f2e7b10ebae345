// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygotesim

import (
	"unsafe"

	"github.com/rmnscnce/zygisk-go/pkg/memmap"
)

type pltEntry struct {
	image       memmap.ObjID
	symbol      string
	replacement unsafe.Pointer
	original    *unsafe.Pointer
}

// pltState is one process's hook namespace: the images it has mapped
// and the rebindings buffered against them. Single writer; the driving
// goroutine owns it for the whole window.
type pltState struct {
	images   map[memmap.ObjID]map[string]unsafe.Pointer
	pending  []pltEntry
	failNext bool
}

func (s *pltState) register(dev, inode uint64, symbol string, replacement unsafe.Pointer, original *unsafe.Pointer) {
	s.pending = append(s.pending, pltEntry{
		image:       memmap.ObjID{Dev: dev, Inode: inode},
		symbol:      symbol,
		replacement: replacement,
		original:    original,
	})
}

// commit applies the whole pending batch or none of it. The batch is
// consumed either way. Matched entries have their previous target
// written through original when one was supplied.
func (s *pltState) commit() (applied int, ok bool) {
	pending := s.pending
	s.pending = nil

	if s.failNext {
		s.failNext = false
		return 0, false
	}

	for _, e := range pending {
		exports, found := s.images[e.image]
		if !found {
			return 0, false
		}
		if _, found := exports[e.symbol]; !found {
			return 0, false
		}
	}

	for _, e := range pending {
		exports := s.images[e.image]
		if e.original != nil {
			*e.original = exports[e.symbol]
		}
		exports[e.symbol] = e.replacement
	}
	return len(pending), true
}

// target returns the current binding of symbol in image.
func (s *pltState) target(id memmap.ObjID, symbol string) (unsafe.Pointer, bool) {
	exports, ok := s.images[id]
	if !ok {
		return nil, false
	}
	fn, ok := exports[symbol]
	return fn, ok
}
