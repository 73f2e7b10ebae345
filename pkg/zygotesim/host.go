// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygotesim

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/rmnscnce/zygisk-go/pkg/config"
	"github.com/rmnscnce/zygisk-go/pkg/events"
	"github.com/rmnscnce/zygisk-go/pkg/health"
	"github.com/rmnscnce/zygisk-go/pkg/memmap"
)

// Slot identifies one optional entry of the simulated api table. A
// disabled slot is built as nil, which is how a host that predates the
// capability looks to a module.
type Slot uint16

const (
	SlotConnectCompanion Slot = 1 << iota
	SlotGetModuleDir
	SlotSetOption
	SlotGetFlags
	SlotExemptFD
	SlotHookJNINativeMethods
	SlotPLTHookRegister
	SlotPLTHookCommit
	SlotRegisterModule

	SlotAll = SlotConnectCompanion | SlotGetModuleDir | SlotSetOption |
		SlotGetFlags | SlotExemptFD | SlotHookJNINativeMethods |
		SlotPLTHookRegister | SlotPLTHookCommit | SlotRegisterModule
)

var slotByName = map[string]Slot{
	"connect_companion":       SlotConnectCompanion,
	"get_module_dir":          SlotGetModuleDir,
	"set_option":              SlotSetOption,
	"get_flags":               SlotGetFlags,
	"exempt_fd":               SlotExemptFD,
	"hook_jni_native_methods": SlotHookJNINativeMethods,
	"plt_hook_register":       SlotPLTHookRegister,
	"plt_hook_commit":         SlotPLTHookCommit,
	"register_module":         SlotRegisterModule,
}

// ParseSlots folds a list of slot names into a bitmask.
func ParseSlots(names []string) (Slot, error) {
	var s Slot
	for _, name := range names {
		bit, ok := slotByName[name]
		if !ok {
			return 0, fmt.Errorf("zygotesim: unknown slot %q", name)
		}
		s |= bit
	}
	return s, nil
}

// Policy is the host behavior the simulator applies to every process it
// launches.
type Policy struct {
	ModuleDir     string
	APIVersionMin int32
	APIVersionMax int32
	Denylist      []string
	GrantRoot     []string
	Disabled      Slot
}

func (p Policy) disabled(s Slot) bool { return p.Disabled&s != 0 }

// PolicyFromConfig builds a Policy from the host section of the daemon
// configuration.
func PolicyFromConfig(hc *config.HostConfig) (Policy, error) {
	disabled, err := ParseSlots(hc.DisabledSlots)
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		ModuleDir:     hc.ModuleDir,
		APIVersionMin: hc.APIVersionMin,
		APIVersionMax: hc.APIVersionMax,
		Denylist:      hc.Denylist,
		GrantRoot:     hc.GrantRoot,
		Disabled:      disabled,
	}, nil
}

// Host is a configurable in-process stand-in for the zygote injector.
// It launches simulated worker processes, lends each one an api table
// shaped by its policy, and drives their specialization windows while
// emitting lifecycle telemetry.
type Host struct {
	logger *zap.Logger
	policy Policy
	sink   events.Sink
	stats  *health.Stats

	mu      sync.Mutex
	nextPID int
	broker  *Broker
	images  map[memmap.ObjID]map[string]unsafe.Pointer
	methods map[string]map[methodKey]unsafe.Pointer
}

// NewHost creates a simulated host. sink and stats may be nil; logger
// may be nil for silence.
func NewHost(policy Policy, sink events.Sink, stats *health.Stats, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		logger:  logger,
		policy:  policy,
		sink:    sink,
		stats:   stats,
		nextPID: 2000,
		images:  make(map[memmap.ObjID]map[string]unsafe.Pointer),
		methods: make(map[string]map[methodKey]unsafe.Pointer),
	}
}

// SetBroker attaches the companion broker. Without one every companion
// connect fails the way a host without companion support does.
func (h *Host) SetBroker(b *Broker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broker = b
}

func (h *Host) currentBroker() *Broker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.broker
}

// AddImage registers a mapped image and its exported symbols. Every
// process launched afterwards sees it in its hook namespace.
func (h *Host) AddImage(id memmap.ObjID, exports map[string]unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dst := make(map[string]unsafe.Pointer, len(exports))
	for name, fn := range exports {
		dst[name] = fn
	}
	h.images[id] = dst
}

// AddImageFromFile registers an image from a real ELF on disk, keyed by
// the file's device and inode the way the maps table would report it.
// Each exported function gets a distinct stand-in target so swaps stay
// observable.
func (h *Host) AddImageFromFile(path string) (memmap.ObjID, error) {
	id, err := memmap.Stat(path)
	if err != nil {
		return memmap.ObjID{}, err
	}
	names, err := memmap.ExportedFunctions(path)
	if err != nil {
		return memmap.ObjID{}, err
	}
	exports := make(map[string]unsafe.Pointer, len(names))
	for _, name := range names {
		exports[name] = unsafe.Pointer(new(byte))
	}
	h.AddImage(id, exports)
	h.logger.Debug("image registered",
		zap.String("path", path),
		zap.String("image", id.String()),
		zap.Int("symbols", len(exports)),
	)
	return id, nil
}

// RegisterNativeMethod seeds one VM native binding. Every process
// launched afterwards starts with it.
func (h *Host) RegisterNativeMethod(className, name, signature string, fn unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	class, ok := h.methods[className]
	if !ok {
		class = make(map[methodKey]unsafe.Pointer)
		h.methods[className] = class
	}
	class[methodKey{name: name, signature: signature}] = fn
}

// Launch creates one simulated worker process with its own api table.
// The table honors the policy's disabled slots and the process starts
// unregistered; LoadModule runs the module entry against it.
func (h *Host) Launch(spec ProcessSpec) *Process {
	h.mu.Lock()
	pid := h.nextPID
	h.nextPID++

	images := make(map[memmap.ObjID]map[string]unsafe.Pointer, len(h.images))
	for id, exports := range h.images {
		dst := make(map[string]unsafe.Pointer, len(exports))
		for name, fn := range exports {
			dst[name] = fn
		}
		images[id] = dst
	}
	methods := make(map[string]map[methodKey]unsafe.Pointer, len(h.methods))
	for className, class := range h.methods {
		dst := make(map[methodKey]unsafe.Pointer, len(class))
		for key, fn := range class {
			dst[key] = fn
		}
		methods[className] = dst
	}
	h.mu.Unlock()

	abiBits := spec.ABI
	if abiBits == 0 {
		abiBits = 64
	}

	p := &Process{
		host:    h,
		pid:     pid,
		name:    spec.Name,
		uid:     spec.UID,
		abiBits: abiBits,
		server:  spec.Server,
		env:     unsafe.Pointer(new(byte)),
		plt:     pltState{images: images},
		jni:     methodRegistry{classes: methods},
	}
	p.table = p.buildTable()

	h.logger.Debug("worker launched",
		zap.String("process", p.name),
		zap.Int("pid", p.pid),
		zap.Int("abi", p.abiBits),
		zap.Bool("server", p.server),
	)
	return p
}

// DiscoverModules scans the policy's module directory and emits one
// discovery event per module found.
func (h *Host) DiscoverModules() ([]ModuleInfo, error) {
	mods, err := Discover(h.policy.ModuleDir)
	if err != nil {
		return nil, err
	}
	for _, m := range mods {
		h.event(events.Event{
			Time: time.Now(),
			Kind: events.KindModuleDiscovered,
			Attrs: map[string]string{
				"module_id": m.ID,
				"version":   m.Version,
				"disabled":  fmt.Sprintf("%t", m.Disabled),
			},
		})
	}
	return mods, nil
}

func (h *Host) emit(p *Process, kind events.Kind, attrs map[string]string) {
	h.logger.Debug("lifecycle event",
		zap.String("kind", string(kind)),
		zap.String("process", p.name),
		zap.Int("pid", p.pid),
	)
	h.event(events.Event{
		Time:    time.Now(),
		Kind:    kind,
		Process: p.name,
		PID:     p.pid,
		Attrs:   attrs,
	})
}

func (h *Host) event(ev events.Event) {
	if h.sink != nil {
		h.sink.ExportEvent(ev)
	}
}

func (h *Host) window(w events.Window) {
	if h.sink != nil {
		h.sink.ExportWindow(w)
	}
}

func newTraceID() [16]byte {
	var b [16]byte
	rand.Read(b[:])
	return b
}

func newSpanID() [8]byte {
	var b [8]byte
	rand.Read(b[:])
	return b
}
