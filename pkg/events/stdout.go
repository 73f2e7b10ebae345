package events

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// StdoutExporter prints lifecycle telemetry to stdout for debugging.
type StdoutExporter struct {
	mu     sync.Mutex
	logger *zap.Logger
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(logger *zap.Logger) *StdoutExporter {
	return &StdoutExporter{logger: logger}
}

func (e *StdoutExporter) Name() string { return "stdout" }

// ExportEvents prints lifecycle events to stdout.
func (e *StdoutExporter) ExportEvents(ctx context.Context, evs []*Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range evs {
		fmt.Fprintf(os.Stdout,
			"[EVENT]   %-24s process=%s pid=%d %s\n",
			ev.Kind, ev.Process, ev.PID, formatAttrs(ev.Attrs),
		)
	}
	return nil
}

// ExportWindows prints specialization windows to stdout.
func (e *StdoutExporter) ExportWindows(ctx context.Context, ws []*Window) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range ws {
		status := "OK"
		if !w.OK {
			status = "ERR"
		}
		name := "app-specialize"
		if w.Server {
			name = "server-specialize"
		}
		fmt.Fprintf(os.Stdout,
			"[WINDOW]  trace=%s span=%s %-17s %s %6dms process=%s pid=%d %s\n",
			hex.EncodeToString(w.TraceID[:]), hex.EncodeToString(w.SpanID[:]),
			name, status, w.End.Sub(w.Start).Milliseconds(),
			w.Process, w.PID, formatAttrs(w.Attrs),
		)
	}
	return nil
}

// ExportCounters prints counters to stdout.
func (e *StdoutExporter) ExportCounters(ctx context.Context, counters []Counter) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range counters {
		kind := "gauge"
		if c.Sum {
			kind = "sum"
		}
		fmt.Fprintf(os.Stdout,
			"[COUNTER] %-40s %s %.0f %s\n",
			c.Name, kind, c.Value, formatLabels(c.Labels),
		)
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	var parts []string
	for k, v := range attrs {
		if len(parts) >= 6 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, " ")
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	var parts []string
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
