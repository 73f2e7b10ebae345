// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"os"
	"testing"
	"time"

	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

func TestConvertEvent(t *testing.T) {
	e := &OTLPExporter{}
	ev := &Event{
		Time:    time.Unix(100, 0),
		Kind:    KindPreAppSpecialize,
		Process: "com.example.app",
		PID:     4242,
		Attrs:   map[string]string{"uid": "10231"},
	}

	rec := e.convertEvent(ev)
	if rec.TimeUnixNano != uint64(ev.Time.UnixNano()) {
		t.Errorf("timestamp = %d, want %d", rec.TimeUnixNano, ev.Time.UnixNano())
	}
	if got := rec.Body.GetStringValue(); got != "pre_app_specialize" {
		t.Errorf("body = %q, want pre_app_specialize", got)
	}

	found := map[string]string{}
	for _, a := range rec.Attributes {
		found[a.Key] = a.Value.GetStringValue()
	}
	if found["event.kind"] != "pre_app_specialize" {
		t.Errorf("event.kind = %q", found["event.kind"])
	}
	if found["zygote.process"] != "com.example.app" {
		t.Errorf("zygote.process = %q", found["zygote.process"])
	}
	if found["uid"] != "10231" {
		t.Errorf("uid attr = %q", found["uid"])
	}
	for _, a := range rec.Attributes {
		if a.Key == "zygote.pid" && a.Value.GetIntValue() != 4242 {
			t.Errorf("zygote.pid = %d, want 4242", a.Value.GetIntValue())
		}
	}
}

func TestConvertWindow(t *testing.T) {
	e := &OTLPExporter{}
	w := &Window{
		TraceID: [16]byte{1, 2, 3},
		SpanID:  [8]byte{4, 5, 6},
		Process: "com.example.app",
		PID:     4242,
		Start:   time.Unix(100, 0),
		End:     time.Unix(101, 0),
		OK:      true,
	}

	span := e.convertWindow(w)
	if span.Name != "app-specialize" {
		t.Errorf("name = %q, want app-specialize", span.Name)
	}
	if span.Status.Code != tracepb.Status_STATUS_CODE_OK {
		t.Errorf("status = %v, want OK", span.Status.Code)
	}
	if len(span.TraceId) != 16 || span.TraceId[0] != 1 {
		t.Errorf("trace id not carried over: %v", span.TraceId)
	}
	if len(span.SpanId) != 8 || span.SpanId[0] != 4 {
		t.Errorf("span id not carried over: %v", span.SpanId)
	}
	if span.StartTimeUnixNano >= span.EndTimeUnixNano {
		t.Error("window bounds inverted")
	}
}

func TestConvertWindowFaulted(t *testing.T) {
	e := &OTLPExporter{}
	w := &Window{Server: true, OK: false, Start: time.Unix(100, 0), End: time.Unix(101, 0)}

	span := e.convertWindow(w)
	if span.Name != "server-specialize" {
		t.Errorf("name = %q, want server-specialize", span.Name)
	}
	if span.Status.Code != tracepb.Status_STATUS_CODE_ERROR {
		t.Errorf("status = %v, want ERROR", span.Status.Code)
	}
	if span.Status.Message == "" {
		t.Error("faulted window should carry a status message")
	}
}

func TestConvertCounterSum(t *testing.T) {
	c := Counter{
		Name:   "zygotesim.registrations",
		Value:  7,
		Sum:    true,
		Time:   time.Unix(100, 0),
		Labels: map[string]string{"abi": "64"},
	}

	m := convertCounter(&c)
	if m.Name != "zygotesim.registrations" {
		t.Errorf("name = %q", m.Name)
	}
	sum, ok := m.Data.(*metricspb.Metric_Sum)
	if !ok {
		t.Fatalf("data = %T, want Sum", m.Data)
	}
	if !sum.Sum.IsMonotonic {
		t.Error("cumulative counter should be monotonic")
	}
	if sum.Sum.AggregationTemporality != metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE {
		t.Errorf("temporality = %v", sum.Sum.AggregationTemporality)
	}
	pts := sum.Sum.DataPoints
	if len(pts) != 1 || pts[0].GetAsDouble() != 7 {
		t.Errorf("data points = %+v", pts)
	}
	if len(pts[0].Attributes) != 1 || pts[0].Attributes[0].Key != "abi" {
		t.Errorf("labels not carried: %+v", pts[0].Attributes)
	}
}

func TestConvertCounterGauge(t *testing.T) {
	c := Counter{Name: "zygotesim.goroutines", Value: 12, Time: time.Unix(100, 0)}

	m := convertCounter(&c)
	g, ok := m.Data.(*metricspb.Metric_Gauge)
	if !ok {
		t.Fatalf("data = %T, want Gauge", m.Data)
	}
	if got := g.Gauge.DataPoints[0].GetAsDouble(); got != 12 {
		t.Errorf("value = %v, want 12", got)
	}
}

func TestResourceForProcess(t *testing.T) {
	e := &OTLPExporter{}

	res := e.resourceForProcess("com.example.app", 4242)
	found := map[string]string{}
	var pid int64
	for _, a := range res.Attributes {
		if a.Key == "process.pid" {
			pid = a.Value.GetIntValue()
			continue
		}
		found[a.Key] = a.Value.GetStringValue()
	}
	if found["service.name"] != "com.example.app" {
		t.Errorf("service.name = %q", found["service.name"])
	}
	if pid != 4242 {
		t.Errorf("process.pid = %d, want 4242", pid)
	}
	if found["telemetry.sdk.name"] != "zygotesim" {
		t.Errorf("telemetry.sdk.name = %q", found["telemetry.sdk.name"])
	}
}

func TestResourceFallsBackToSimulator(t *testing.T) {
	e := &OTLPExporter{}

	res := e.resourceForProcess("", 0)
	for _, a := range res.Attributes {
		if a.Key == "service.name" && a.Value.GetStringValue() != scopeName {
			t.Errorf("service.name = %q, want %q", a.Value.GetStringValue(), scopeName)
		}
	}

	own := e.resource()
	for _, a := range own.Attributes {
		if a.Key == "process.pid" && a.Value.GetIntValue() != int64(os.Getpid()) {
			t.Errorf("own resource pid = %d, want %d", a.Value.GetIntValue(), os.Getpid())
		}
	}
}

func TestSanitizeUTF8(t *testing.T) {
	if got := sanitizeUTF8("com.example.app"); got != "com.example.app" {
		t.Errorf("valid string rewritten: %q", got)
	}
	bad := string([]byte{'a', 0xff, 'b'})
	got := sanitizeUTF8(bad)
	if got == bad {
		t.Error("invalid sequence should be rewritten")
	}
	for _, r := range got {
		if r == 0xFFFD {
			return
		}
	}
	t.Errorf("expected replacement rune in %q", got)
}
