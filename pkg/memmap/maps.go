// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package memmap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Mapping is one line of a process memory map.
type Mapping struct {
	StartAddr uint64
	EndAddr   uint64
	Perms     string
	Offset    uint64
	Dev       uint64 // dev_t built from the maj:min column
	Inode     uint64
	Path      string
}

// ObjID identifies a mapped ELF image by device and inode, the pair
// the batch hook protocol keys on. Two mappings of the same file share
// one ObjID regardless of load address.
type ObjID struct {
	Dev   uint64
	Inode uint64
}

func (id ObjID) String() string {
	return fmt.Sprintf("%d:%d/%d", unix.Major(id.Dev), unix.Minor(id.Dev), id.Inode)
}

// ObjID returns the image identity of this mapping. Anonymous mappings
// have a zero ObjID.
func (m *Mapping) ObjID() ObjID {
	return ObjID{Dev: m.Dev, Inode: m.Inode}
}

// Anonymous reports whether the mapping is backed by no file.
func (m *Mapping) Anonymous() bool {
	return m.Inode == 0 && m.Path == ""
}

// Parse reads the maps text format, one mapping per line:
// start-end perms offset dev inode pathname. Malformed lines are
// skipped; the kernel's own output never produces them.
func Parse(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if m, ok := parseLine(scanner.Text()); ok {
			out = append(out, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read maps: %w", err)
	}
	return out, nil
}

// Self parses this process's own memory map.
func Self() ([]Mapping, error) {
	return readMaps("/proc/self/maps")
}

// ForPID parses the memory map of another process, which requires
// ptrace-read access to it.
func ForPID(pid int) ([]Mapping, error) {
	return readMaps(fmt.Sprintf("/proc/%d/maps", pid))
}

func readMaps(path string) ([]Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// parseLine parses one maps line. Fields: address range, permissions,
// file offset, device as maj:min hex, decimal inode, then an optional
// pathname that may itself contain spaces.
func parseLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}

	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false
	}

	majStr, minStr, ok := strings.Cut(fields[3], ":")
	if !ok {
		return Mapping{}, false
	}
	major, err := strconv.ParseUint(majStr, 16, 32)
	if err != nil {
		return Mapping{}, false
	}
	minor, err := strconv.ParseUint(minStr, 16, 32)
	if err != nil {
		return Mapping{}, false
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Mapping{}, false
	}

	m := Mapping{
		StartAddr: start,
		EndAddr:   end,
		Perms:     fields[1],
		Offset:    offset,
		Dev:       unix.Mkdev(uint32(major), uint32(minor)),
		Inode:     inode,
	}
	if len(fields) >= 6 {
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, true
}

// FindByPath returns the first mapping backed by exactly path.
func FindByPath(maps []Mapping, path string) (Mapping, bool) {
	for _, m := range maps {
		if m.Path == path {
			return m, true
		}
	}
	return Mapping{}, false
}

// FindBySuffix returns the first file-backed mapping whose path ends
// in suffix, the usual way to locate a library without knowing its
// full install path.
func FindBySuffix(maps []Mapping, suffix string) (Mapping, bool) {
	for _, m := range maps {
		if m.Path != "" && strings.HasSuffix(m.Path, suffix) {
			return m, true
		}
	}
	return Mapping{}, false
}

// Stat derives the ObjID of the image file at path. The result matches
// what the maps table reports for mappings of that file.
func Stat(path string) (ObjID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return ObjID{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return ObjID{Dev: st.Dev, Inode: st.Ino}, nil
}
