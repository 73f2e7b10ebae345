// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"math"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for the simulator daemon.
type Stats struct {
	startTime time.Time

	Registrations         atomic.Int64
	RegistrationsRefused  atomic.Int64
	AppSpecializations    atomic.Int64
	ServerSpecializations atomic.Int64
	ModuleFaults          atomic.Int64
	CompanionSessions     atomic.Int64
	CompanionRefused      atomic.Int64
	CompanionFaults       atomic.Int64
	FDsExempted           atomic.Int64
	HooksRegistered       atomic.Int64
	HookCommits           atomic.Int64
	HookCommitFailures    atomic.Int64
	MethodsHooked         atomic.Int64
	EventsExported        atomic.Int64
	WindowsExported       atomic.Int64
	SignalsDropped        atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Uptime returns daemon uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds         float64
	Goroutines            int
	MemoryRSSBytes        uint64
	Registrations         int64
	RegistrationsRefused  int64
	AppSpecializations    int64
	ServerSpecializations int64
	ModuleFaults          int64
	CompanionSessions     int64
	CompanionRefused      int64
	CompanionFaults       int64
	FDsExempted           int64
	HooksRegistered       int64
	HookCommits           int64
	HookCommitFailures    int64
	MethodsHooked         int64
	EventsExported        int64
	WindowsExported       int64
	SignalsDropped        int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		UptimeSeconds:         s.Uptime().Seconds(),
		Goroutines:            runtime.NumGoroutine(),
		MemoryRSSBytes:        memStats.Sys,
		Registrations:         s.Registrations.Load(),
		RegistrationsRefused:  s.RegistrationsRefused.Load(),
		AppSpecializations:    s.AppSpecializations.Load(),
		ServerSpecializations: s.ServerSpecializations.Load(),
		ModuleFaults:          s.ModuleFaults.Load(),
		CompanionSessions:     s.CompanionSessions.Load(),
		CompanionRefused:      s.CompanionRefused.Load(),
		CompanionFaults:       s.CompanionFaults.Load(),
		FDsExempted:           s.FDsExempted.Load(),
		HooksRegistered:       s.HooksRegistered.Load(),
		HookCommits:           s.HookCommits.Load(),
		HookCommitFailures:    s.HookCommitFailures.Load(),
		MethodsHooked:         s.MethodsHooked.Load(),
		EventsExported:        s.EventsExported.Load(),
		WindowsExported:       s.WindowsExported.Load(),
		SignalsDropped:        s.SignalsDropped.Load(),
	}
}

type metricRow struct {
	name  string
	typ   string
	help  string
	value float64
}

// PrometheusMetrics renders every counter in Prometheus text
// exposition format.
func (s *Stats) PrometheusMetrics() string {
	snap := s.Snapshot()
	rows := []metricRow{
		{"zygotesim_uptime_seconds", "gauge", "Daemon uptime in seconds", snap.UptimeSeconds},
		{"zygotesim_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines)},
		{"zygotesim_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes)},
		{"zygotesim_registrations_total", "counter", "Module registrations accepted", float64(snap.Registrations)},
		{"zygotesim_registrations_refused_total", "counter", "Module registrations refused", float64(snap.RegistrationsRefused)},
		{"zygotesim_app_specializations_total", "counter", "App specialization windows driven", float64(snap.AppSpecializations)},
		{"zygotesim_server_specializations_total", "counter", "System server specialization windows driven", float64(snap.ServerSpecializations)},
		{"zygotesim_module_faults_total", "counter", "Module hook faults contained", float64(snap.ModuleFaults)},
		{"zygotesim_companion_sessions_total", "counter", "Companion sessions served", float64(snap.CompanionSessions)},
		{"zygotesim_companion_refused_total", "counter", "Companion connections refused", float64(snap.CompanionRefused)},
		{"zygotesim_companion_faults_total", "counter", "Companion handler faults contained", float64(snap.CompanionFaults)},
		{"zygotesim_fds_exempted_total", "counter", "File descriptors exempted from sanitization", float64(snap.FDsExempted)},
		{"zygotesim_hooks_registered_total", "counter", "PLT hooks buffered", float64(snap.HooksRegistered)},
		{"zygotesim_hook_commits_total", "counter", "PLT hook commits applied", float64(snap.HookCommits)},
		{"zygotesim_hook_commit_failures_total", "counter", "PLT hook commits rejected", float64(snap.HookCommitFailures)},
		{"zygotesim_methods_hooked_total", "counter", "JNI native methods swapped", float64(snap.MethodsHooked)},
		{"zygotesim_events_exported_total", "counter", "Lifecycle events exported", float64(snap.EventsExported)},
		{"zygotesim_windows_exported_total", "counter", "Specialization windows exported", float64(snap.WindowsExported)},
		{"zygotesim_signals_dropped_total", "counter", "Export signals dropped on full queues", float64(snap.SignalsDropped)},
	}

	var b strings.Builder
	for _, r := range rows {
		b.WriteString("# HELP ")
		b.WriteString(r.name)
		b.WriteByte(' ')
		b.WriteString(r.help)
		b.WriteString("\n# TYPE ")
		b.WriteString(r.name)
		b.WriteByte(' ')
		b.WriteString(r.typ)
		b.WriteByte('\n')
		b.WriteString(r.name)
		b.WriteByte(' ')
		b.WriteString(formatSample(r.value))
		b.WriteByte('\n')
	}
	return b.String()
}

// formatSample prints integral samples without a fraction so counter
// lines read as plain integers.
func formatSample(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
