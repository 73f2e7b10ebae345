// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package memmap

import (
	"debug/elf"
	"fmt"
	"sort"
)

// ExportedFunctions lists the defined function symbols an ELF image
// exports, merged from the symbol table and the dynamic symbol table.
// These are the names eligible as batch hook targets in that image.
func ExportedFunctions(path string) ([]string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	collect := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			if s.Section == elf.SHN_UNDEF {
				continue
			}
			seen[s.Name] = struct{}{}
		}
	}

	// Either table may be stripped; an image with neither exports
	// nothing hookable.
	if syms, err := f.Symbols(); err == nil {
		collect(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		collect(syms)
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
