package events

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestFormatAttrs(t *testing.T) {
	if got := formatAttrs(nil); got != "" {
		t.Errorf("nil attrs = %q, want empty", got)
	}
	if got := formatAttrs(map[string]string{"uid": "10231"}); got != "uid=10231" {
		t.Errorf("one attr = %q", got)
	}

	big := map[string]string{
		"a": "1", "b": "2", "c": "3", "d": "4", "e": "5", "f": "6", "g": "7", "h": "8",
	}
	got := formatAttrs(big)
	if !strings.Contains(got, "...") {
		t.Errorf("oversized attr set should be elided: %q", got)
	}
	if parts := strings.Fields(got); len(parts) != 7 {
		t.Errorf("got %d parts, want 6 attrs plus ellipsis: %q", len(parts), got)
	}
}

func TestFormatLabels(t *testing.T) {
	if got := formatLabels(nil); got != "" {
		t.Errorf("nil labels = %q, want empty", got)
	}
	if got := formatLabels(map[string]string{"abi": "64"}); got != `{abi="64"}` {
		t.Errorf("one label = %q", got)
	}
}

func TestStdoutExporterWritesWithoutError(t *testing.T) {
	e := NewStdoutExporter(zap.NewNop())
	if e.Name() != "stdout" {
		t.Errorf("Name = %q", e.Name())
	}

	ctx := context.Background()
	err := e.ExportEvents(ctx, []*Event{
		{Time: time.Unix(100, 0), Kind: KindRegisterAccepted, Process: "com.example.app", PID: 1},
	})
	if err != nil {
		t.Errorf("ExportEvents: %v", err)
	}
	err = e.ExportWindows(ctx, []*Window{
		{Process: "com.example.app", PID: 1, Start: time.Unix(100, 0), End: time.Unix(101, 0), OK: true},
	})
	if err != nil {
		t.Errorf("ExportWindows: %v", err)
	}
	err = e.ExportCounters(ctx, []Counter{{Name: "zygotesim.registrations", Value: 1, Sum: true}})
	if err != nil {
		t.Errorf("ExportCounters: %v", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
