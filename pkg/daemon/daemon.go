// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/rmnscnce/zygisk-go/pkg/companion"
	"github.com/rmnscnce/zygisk-go/pkg/config"
	"github.com/rmnscnce/zygisk-go/pkg/events"
	"github.com/rmnscnce/zygisk-go/pkg/health"
	"github.com/rmnscnce/zygisk-go/pkg/zygisk"
	"github.com/rmnscnce/zygisk-go/pkg/zygotesim"
)

const statsInterval = 30 * time.Second

// Daemon wires the simulated zygote host, the companion runtime, event
// export and self-monitoring into one start/stop lifecycle. It drives
// the configured workers through full specialization cycles on a timer.
type Daemon struct {
	cfg     atomic.Pointer[config.Config]
	logger  *zap.Logger
	version string

	stats        *health.Stats
	healthServer *health.Server
	manager      *events.Manager

	host atomic.Pointer[zygotesim.Host]

	broker      *zygotesim.Broker
	runtime     *companion.Runtime
	brokerCtrl  *net.UnixConn
	runtimeCtrl *net.UnixConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon from configuration. When no module has been
// registered by the embedding binary, the built-in probe workload is
// installed so every cycle produces real table traffic.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Daemon{
		logger:  logger,
		version: version,
		stats:   health.NewStats(),
	}
	d.cfg.Store(cfg)
	d.manager = events.NewManager(&cfg.Events, logger)
	zygisk.SetLogger(logger)

	if !zygisk.ModuleRegistered() {
		zygisk.RegisterModule(newProbeModule(logger))
		if zygisk.RegisteredCompanion() == nil {
			zygisk.RegisterCompanion(serveProbeCompanion)
		}
		logger.Info("no module linked in, driving the built-in probe workload")
	}

	host, err := d.buildHost(cfg)
	if err != nil {
		return nil, err
	}
	d.host.Store(host)

	if cfg.Health.Enabled {
		d.healthServer = health.NewServer(cfg.Health.Port, version, d.stats, logger)
	}

	return d, nil
}

// Start brings the subsystems up and launches the background loops. It
// returns once everything is running; ctx cancellation begins shutdown
// but Stop must still be called to wait for it.
func (d *Daemon) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	cfg := d.cfg.Load()

	d.manager.Start(d.ctx)

	if cfg.Companion.Enabled {
		if err := d.startCompanion(cfg); err != nil {
			return fmt.Errorf("start companion runtime: %w", err)
		}
	}

	if mods, err := d.host.Load().DiscoverModules(); err != nil {
		d.logger.Debug("module directory scan skipped", zap.Error(err))
	} else {
		d.logger.Info("module directory scanned", zap.Int("modules", len(mods)))
	}

	d.wg.Add(2)
	go d.cycleLoop()
	go d.statsLoop()

	if d.healthServer != nil {
		if err := d.healthServer.Start(d.ctx); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		d.healthServer.SetReady(true)
	}

	d.logger.Info("daemon started",
		zap.Int("workers", len(cfg.Host.Workers)),
		zap.Duration("cycle_interval", cfg.Host.CycleInterval),
		zap.Bool("companion", cfg.Companion.Enabled),
	)
	return nil
}

// startCompanion builds the broker/runtime pair around a control
// socket and points the host's companion path at the broker.
func (d *Daemon) startCompanion(cfg *config.Config) error {
	h := zygisk.RegisteredCompanion()
	if h == nil {
		d.logger.Info("companion enabled but no handler registered, connects will be refused")
		return nil
	}

	brokerEnd, runtimeEnd, err := companion.ControlPair()
	if err != nil {
		return err
	}
	d.brokerCtrl, d.runtimeCtrl = brokerEnd, runtimeEnd
	d.runtime = companion.NewRuntime(runtimeEnd, h, cfg.Companion.MaxSessions, d.logger)
	d.broker = zygotesim.NewBroker(brokerEnd, d.logger)
	d.host.Load().SetBroker(d.broker)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.runtime.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("companion runtime stopped", zap.Error(err))
		}
	}()
	go d.sessionLoop(cfg.Companion.StaleAfter)
	return nil
}

// Stop shuts the daemon down in dependency order: readiness off first,
// loops drained, then exporters flushed, health server last.
func (d *Daemon) Stop() error {
	d.logger.Info("stopping daemon")
	if d.healthServer != nil {
		d.healthServer.SetReady(false)
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.brokerCtrl != nil {
		d.brokerCtrl.Close()
	}
	d.wg.Wait()
	if d.runtimeCtrl != nil {
		d.runtimeCtrl.Close()
	}

	d.syncStats()
	d.manager.Stop()
	if d.healthServer != nil {
		if err := d.healthServer.Stop(); err != nil {
			d.logger.Warn("health server shutdown", zap.Error(err))
		}
	}

	snap := d.stats.Snapshot()
	d.logger.Info("daemon stopped",
		zap.Int64("registrations", snap.Registrations),
		zap.Int64("app_specializations", snap.AppSpecializations),
		zap.Int64("server_specializations", snap.ServerSpecializations),
		zap.Int64("companion_sessions", snap.CompanionSessions),
	)
	return nil
}

// Reload swaps in a validated configuration. The host is rebuilt so
// policy changes (slots, version range, denylist, workers) take effect
// on the next cycle; event export and health wiring need a restart.
func (d *Daemon) Reload(cfg *config.Config) error {
	host, err := d.buildHost(cfg)
	if err != nil {
		return fmt.Errorf("rebuild host: %w", err)
	}
	if d.broker != nil {
		host.SetBroker(d.broker)
	}
	d.cfg.Store(cfg)
	d.host.Store(host)
	d.logger.Info("configuration reloaded",
		zap.Int("workers", len(cfg.Host.Workers)),
		zap.Strings("disabled_slots", cfg.Host.DisabledSlots),
	)
	return nil
}

// buildHost assembles a host from the config's policy and seeds it
// with the images and native methods the probe workload expects.
func (d *Daemon) buildHost(cfg *config.Config) (*zygotesim.Host, error) {
	pol, err := zygotesim.PolicyFromConfig(&cfg.Host)
	if err != nil {
		return nil, err
	}
	host := zygotesim.NewHost(pol, d.manager, d.stats, d.logger)

	if exe, err := os.Executable(); err == nil {
		if _, err := host.AddImageFromFile(exe); err != nil {
			d.logger.Debug("image seed skipped", zap.String("path", exe), zap.Error(err))
		}
	}
	host.RegisterNativeMethod(binderClass, binderMethod, binderSignature, unsafe.Pointer(new(byte)))

	return host, nil
}

// cycleLoop drives one full specialization cycle per interval. The
// interval is re-read each round so reloads take effect.
func (d *Daemon) cycleLoop() {
	defer d.wg.Done()
	for {
		cfg := d.cfg.Load()
		d.runCycle(cfg)

		t := time.NewTimer(cfg.Host.CycleInterval)
		select {
		case <-d.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// runCycle launches each configured worker, loads the module into it
// and runs its specialization window.
func (d *Daemon) runCycle(cfg *config.Config) {
	host := d.host.Load()
	for _, w := range cfg.Host.Workers {
		if d.ctx.Err() != nil {
			return
		}

		p := host.Launch(zygotesim.ProcessSpec{
			Name:   w.Name,
			UID:    w.UID,
			ABI:    w.ABI,
			Server: w.Server,
		})
		if err := p.LoadModule(); err != nil {
			d.logger.Warn("module load refused",
				zap.String("process", w.Name),
				zap.Error(err),
			)
			continue
		}

		var err error
		if w.Server {
			_, err = p.SpecializeServer()
		} else {
			_, err = p.SpecializeApp()
		}
		if err != nil {
			d.logger.Warn("specialization window faulted",
				zap.String("process", w.Name),
				zap.Int("pid", p.PID()),
				zap.Error(err),
			)
		}
	}
}

// statsLoop mirrors subsystem counters into the health stats and
// pushes them to the event exporters.
func (d *Daemon) statsLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.syncStats()
			d.pushCounters()
		}
	}
}

// sessionLoop reaps companion sessions whose peers stopped talking.
func (d *Daemon) sessionLoop(staleAfter time.Duration) {
	defer d.wg.Done()
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if n := d.runtime.Sessions().CleanStale(staleAfter); n > 0 {
				d.logger.Debug("reaped stale companion sessions", zap.Int("sessions", n))
			}
		}
	}
}

func (d *Daemon) syncStats() {
	ev, win, dropped := d.manager.Stats()
	d.stats.EventsExported.Store(ev)
	d.stats.WindowsExported.Store(win)
	d.stats.SignalsDropped.Store(dropped)
	if d.runtime != nil {
		d.stats.CompanionSessions.Store(d.runtime.Served())
		d.stats.CompanionFaults.Store(d.runtime.Faults())
	}
}

func (d *Daemon) pushCounters() {
	snap := d.stats.Snapshot()
	now := time.Now()
	sum := func(name string, v int64) events.Counter {
		return events.Counter{Name: name, Value: float64(v), Sum: true, Time: now}
	}
	counters := []events.Counter{
		sum("zygotesim.registrations", snap.Registrations),
		sum("zygotesim.registrations.refused", snap.RegistrationsRefused),
		sum("zygotesim.specializations.app", snap.AppSpecializations),
		sum("zygotesim.specializations.server", snap.ServerSpecializations),
		sum("zygotesim.module.faults", snap.ModuleFaults),
		sum("zygotesim.companion.sessions", snap.CompanionSessions),
		sum("zygotesim.companion.refused", snap.CompanionRefused),
		sum("zygotesim.companion.faults", snap.CompanionFaults),
		sum("zygotesim.fds.exempted", snap.FDsExempted),
		sum("zygotesim.hooks.registered", snap.HooksRegistered),
		sum("zygotesim.hooks.commits", snap.HookCommits),
		sum("zygotesim.hooks.commit_failures", snap.HookCommitFailures),
		sum("zygotesim.methods.hooked", snap.MethodsHooked),
		{Name: "zygotesim.goroutines", Value: float64(snap.Goroutines), Time: now},
		{Name: "zygotesim.uptime_seconds", Value: snap.UptimeSeconds, Time: now},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.manager.ExportCounters(ctx, counters)
}
