// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygotesim

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ModuleInfo describes one installed module found in the module
// directory.
type ModuleInfo struct {
	ID          string
	Name        string
	Version     string
	VersionCode int
	Author      string
	Description string
	Dir         string
	Disabled    bool
}

// Discover scans dir for module installations. Every subdirectory with
// a module.prop manifest counts; a disable marker file next to the
// manifest flags the module disabled. Subdirectories without a
// manifest are skipped silently.
func Discover(dir string) ([]ModuleInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read module dir: %w", err)
	}

	var mods []ModuleInfo
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		modDir := filepath.Join(dir, ent.Name())
		f, err := os.Open(filepath.Join(modDir, "module.prop"))
		if err != nil {
			continue
		}
		props := parseProp(f)
		f.Close()

		info := ModuleInfo{
			ID:          props["id"],
			Name:        props["name"],
			Version:     props["version"],
			Author:      props["author"],
			Description: props["description"],
			Dir:         modDir,
		}
		if info.ID == "" {
			info.ID = ent.Name()
		}
		if vc, err := strconv.Atoi(props["versionCode"]); err == nil {
			info.VersionCode = vc
		}
		if _, err := os.Stat(filepath.Join(modDir, "disable")); err == nil {
			info.Disabled = true
		}
		mods = append(mods, info)
	}

	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })
	return mods, nil
}

// parseProp reads a key=value manifest. Blank lines and # comments are
// skipped; whitespace around keys and values is trimmed.
func parseProp(r io.Reader) map[string]string {
	props := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return props
}
