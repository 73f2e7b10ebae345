// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import "time"

// Kind labels one lifecycle event emitted by the simulated host.
type Kind string

const (
	KindModuleDiscovered     Kind = "module_discovered"
	KindRegisterAccepted     Kind = "register_accepted"
	KindRegisterRefused      Kind = "register_refused"
	KindPreAppSpecialize     Kind = "pre_app_specialize"
	KindPostAppSpecialize    Kind = "post_app_specialize"
	KindPreServerSpecialize  Kind = "pre_server_specialize"
	KindPostServerSpecialize Kind = "post_server_specialize"
	KindCompanionConnect     Kind = "companion_connect"
	KindCompanionRefused     Kind = "companion_refused"
	KindOptionSet            Kind = "option_set"
	KindFDExempted           Kind = "fd_exempted"
	KindHookRegistered       Kind = "hook_registered"
	KindHookCommit           Kind = "hook_commit"
	KindMethodsHooked        Kind = "methods_hooked"
)

// Event is one lifecycle occurrence in a simulated worker process.
type Event struct {
	Time    time.Time
	Kind    Kind
	Process string
	PID     int
	Attrs   map[string]string
}

// Window is one complete specialization window, pre through post,
// exported as a span.
type Window struct {
	TraceID [16]byte
	SpanID  [8]byte
	Process string
	PID     int
	Server  bool
	Start   time.Time
	End     time.Time
	OK      bool
	Attrs   map[string]string
}

// Counter is one numeric reading pushed alongside events, cumulative
// when Sum is set and instantaneous otherwise.
type Counter struct {
	Name   string
	Value  float64
	Sum    bool
	Time   time.Time
	Labels map[string]string
}

// Sink receives lifecycle telemetry from the simulated host. Manager
// implements it; tests substitute their own.
type Sink interface {
	ExportEvent(Event)
	ExportWindow(Window)
}
