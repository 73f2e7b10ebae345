// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmnscnce/zygisk-go/pkg/config"
)

// Exporter is the interface event exporters implement.
type Exporter interface {
	Name() string
	ExportEvents(ctx context.Context, events []*Event) error
	ExportWindows(ctx context.Context, windows []*Window) error
	ExportCounters(ctx context.Context, counters []Counter) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 256
	defaultFlushInterval = 5 * time.Second
	defaultChannelSize   = 4096

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
	exportTimeout  = 10 * time.Second
)

// Manager batches lifecycle telemetry and drives the exporters with
// retry and a shared circuit breaker. Producers never block: when a
// queue is full the item is dropped and counted.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter

	eventCh  chan *Event
	windowCh chan *Window

	eventCount  atomic.Int64
	windowCount atomic.Int64
	dropCount   atomic.Int64

	batchSize     int
	flushInterval time.Duration

	breaker *CircuitBreaker

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewManager builds a manager with the exporters cfg enables. A
// failing exporter constructor is logged and skipped rather than
// failing the daemon.
func NewManager(cfg *config.EventsConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger:        logger,
		eventCh:       make(chan *Event, defaultChannelSize),
		windowCh:      make(chan *Window, defaultChannelSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		breaker:       NewCircuitBreaker(5, 30*time.Second),
		stopCh:        make(chan struct{}),
	}
	if m.batchSize <= 0 {
		m.batchSize = defaultBatchSize
	}
	if m.flushInterval <= 0 {
		m.flushInterval = defaultFlushInterval
	}

	if cfg.OTLP.Enabled {
		exp, err := NewOTLPExporter(&cfg.OTLP, logger)
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			m.exporters = append(m.exporters, exp)
		}
	}
	if cfg.Stdout.Enabled {
		m.exporters = append(m.exporters, NewStdoutExporter(logger))
	}

	return m
}

// Start launches the batch loops.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.processEvents(ctx)
	go m.processWindows(ctx)

	m.logger.Info("event manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
}

// Stop flushes what is queued and shuts the exporters down.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()
	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.String("exporter", exp.Name()), zap.Error(err))
		}
	}

	m.logger.Info("event manager stopped",
		zap.Int64("events_exported", m.eventCount.Load()),
		zap.Int64("windows_exported", m.windowCount.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)
}

// ExportEvent queues one event. Never blocks.
func (m *Manager) ExportEvent(ev Event) {
	select {
	case m.eventCh <- &ev:
	default:
		m.dropCount.Add(1)
	}
}

// ExportWindow queues one specialization window. Never blocks.
func (m *Manager) ExportWindow(w Window) {
	select {
	case m.windowCh <- &w:
	default:
		m.dropCount.Add(1)
	}
}

// ExportCounters pushes one counter snapshot through every exporter,
// bypassing the batch queues since snapshots replace one another.
func (m *Manager) ExportCounters(ctx context.Context, counters []Counter) {
	if len(counters) == 0 {
		return
	}
	for _, exp := range m.exporters {
		m.retryExport(ctx, exp, "counters", func(c context.Context) error {
			return exp.ExportCounters(c, counters)
		})
	}
}

func (m *Manager) processEvents(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*Event, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	flush := func(c context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, exp := range m.exporters {
			m.retryExport(c, exp, "events", func(ec context.Context) error {
				return exp.ExportEvents(ec, batch)
			})
		}
		m.eventCount.Add(int64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-m.eventCh:
			batch = append(batch, ev)
			if len(batch) >= m.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)

		case <-m.stopCh:
			for {
				select {
				case ev := <-m.eventCh:
					batch = append(batch, ev)
				default:
					flush(context.Background())
					return
				}
			}

		case <-ctx.Done():
			flush(context.Background())
			return
		}
	}
}

func (m *Manager) processWindows(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*Window, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	flush := func(c context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, exp := range m.exporters {
			m.retryExport(c, exp, "windows", func(ec context.Context) error {
				return exp.ExportWindows(ec, batch)
			})
		}
		m.windowCount.Add(int64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case w := <-m.windowCh:
			batch = append(batch, w)
			if len(batch) >= m.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)

		case <-m.stopCh:
			for {
				select {
				case w := <-m.windowCh:
					batch = append(batch, w)
				default:
					flush(context.Background())
					return
				}
			}

		case <-ctx.Done():
			flush(context.Background())
			return
		}
	}
}

// retryExport attempts one export with exponential backoff behind the
// shared circuit breaker.
func (m *Manager) retryExport(ctx context.Context, exp Exporter, signal string, fn func(context.Context) error) {
	if !m.breaker.Allow() {
		m.dropCount.Add(1)
		m.logger.Debug("circuit open, dropping export",
			zap.String("exporter", exp.Name()),
			zap.String("signal", signal),
		)
		return
	}

	backoff := initialBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		expCtx, cancel := context.WithTimeout(ctx, exportTimeout)
		err := fn(expCtx)
		cancel()

		if err == nil {
			m.breaker.RecordSuccess()
			return
		}
		m.breaker.RecordFailure()

		if attempt == maxRetries {
			m.dropCount.Add(1)
			m.logger.Error("export failed after retries",
				zap.String("exporter", exp.Name()),
				zap.String("signal", signal),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return
		}

		m.logger.Warn("export failed, retrying",
			zap.String("exporter", exp.Name()),
			zap.String("signal", signal),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = time.Duration(math.Min(float64(backoff)*backoffFactor, float64(maxBackoff)))
	}
}

// Stats returns exported and dropped totals.
func (m *Manager) Stats() (events, windows, dropped int64) {
	return m.eventCount.Load(), m.windowCount.Load(), m.dropCount.Load()
}

// QueueDepths returns current queue fill levels for monitoring.
func (m *Manager) QueueDepths() (events, windows int) {
	return len(m.eventCh), len(m.windowCh)
}
