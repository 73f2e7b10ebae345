// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unicode/utf8"

	"github.com/rmnscnce/zygisk-go/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // registers the gzip compressor

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

const (
	scopeName    = "zygotesim"
	scopeVersion = "0.1.0"
)

// OTLPExporter sends lifecycle telemetry via OTLP gRPC with automatic
// reconnection.
type OTLPExporter struct {
	logger   *zap.Logger
	endpoint string
	opts     []grpc.DialOption

	mu        sync.RWMutex
	conn      *grpc.ClientConn
	traceSvc  coltracepb.TraceServiceClient
	logSvc    collogspb.LogsServiceClient
	metricSvc colmetricspb.MetricsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// gzip unless explicitly disabled
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:   logger,
		endpoint: cfg.Endpoint,
		opts:     opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *OTLPExporter) Name() string { return "otlp" }

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.traceSvc = coltracepb.NewTraceServiceClient(conn)
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	e.metricSvc = colmetricspb.NewMetricsServiceClient(conn)

	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	state := conn.GetState()
	switch state {
	case connectivity.Ready, connectivity.Idle:
		return nil
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	case connectivity.Connecting:
		// a dial is already in flight
		return nil
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// another goroutine may have won the reconnect race
	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}

	e.logger.Info("reconnected to OTLP endpoint")
	return nil
}

// resource returns the OTEL resource for the simulator itself.
func (e *OTLPExporter) resource() *resourcepb.Resource {
	return e.resourceForProcess(scopeName, os.Getpid())
}

// resourceForProcess returns OTEL resource attributes for one simulated
// zygote child. Each observed process gets its own Resource* envelope
// with accurate service.name and process attributes.
func (e *OTLPExporter) resourceForProcess(process string, pid int) *resourcepb.Resource {
	hostname, _ := os.Hostname()

	if process == "" {
		process = scopeName
	}

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", process),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		strAttr("process.executable.name", process),
		intAttr("process.pid", int64(pid)),
	}

	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// ExportEvents sends lifecycle events as OTLP log records, grouping by
// process so each simulated child gets its own ResourceLogs.
func (e *OTLPExporter) ExportEvents(ctx context.Context, evs []*Event) error {
	if len(evs) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	type procKey struct {
		process string
		pid     int
	}
	grouped := make(map[procKey][]*logspb.LogRecord)
	for _, ev := range evs {
		key := procKey{process: ev.Process, pid: ev.PID}
		grouped[key] = append(grouped[key], e.convertEvent(ev))
	}

	scope := &commonpb.InstrumentationScope{
		Name:    scopeName,
		Version: scopeVersion,
	}

	resourceLogs := make([]*logspb.ResourceLogs, 0, len(grouped))
	for key, records := range grouped {
		resourceLogs = append(resourceLogs, &logspb.ResourceLogs{
			Resource: e.resourceForProcess(key.process, key.pid),
			ScopeLogs: []*logspb.ScopeLogs{
				{
					Scope:      scope,
					LogRecords: records,
				},
			},
		})
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: resourceLogs,
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

func (e *OTLPExporter) convertEvent(ev *Event) *logspb.LogRecord {
	pl := &logspb.LogRecord{
		TimeUnixNano: uint64(ev.Time.UnixNano()),
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: string(ev.Kind)},
		},
		SeverityText:   "INFO",
		SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
	}

	pl.Attributes = append(pl.Attributes,
		strAttr("event.kind", string(ev.Kind)),
		strAttr("zygote.process", sanitizeUTF8(ev.Process)),
		intAttr("zygote.pid", int64(ev.PID)),
	)
	for k, v := range ev.Attrs {
		pl.Attributes = append(pl.Attributes, strAttr(k, sanitizeUTF8(v)))
	}

	return pl
}

// ExportWindows sends specialization windows as OTLP spans, grouping by
// process so each simulated child gets its own ResourceSpans.
func (e *OTLPExporter) ExportWindows(ctx context.Context, ws []*Window) error {
	if len(ws) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	type procKey struct {
		process string
		pid     int
	}
	grouped := make(map[procKey][]*tracepb.Span)
	for _, w := range ws {
		key := procKey{process: w.Process, pid: w.PID}
		grouped[key] = append(grouped[key], e.convertWindow(w))
	}

	scope := &commonpb.InstrumentationScope{
		Name:    scopeName,
		Version: scopeVersion,
	}

	resourceSpans := make([]*tracepb.ResourceSpans, 0, len(grouped))
	for key, spans := range grouped {
		resourceSpans = append(resourceSpans, &tracepb.ResourceSpans{
			Resource: e.resourceForProcess(key.process, key.pid),
			ScopeSpans: []*tracepb.ScopeSpans{
				{
					Scope: scope,
					Spans: spans,
				},
			},
		})
	}

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: resourceSpans,
	}

	e.mu.RLock()
	svc := e.traceSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

func (e *OTLPExporter) convertWindow(w *Window) *tracepb.Span {
	name := "app-specialize"
	if w.Server {
		name = "server-specialize"
	}

	ps := &tracepb.Span{
		TraceId:           w.TraceID[:],
		SpanId:            w.SpanID[:],
		Name:              name,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: uint64(w.Start.UnixNano()),
		EndTimeUnixNano:   uint64(w.End.UnixNano()),
	}

	ps.Status = &tracepb.Status{}
	if w.OK {
		ps.Status.Code = tracepb.Status_STATUS_CODE_OK
	} else {
		ps.Status.Code = tracepb.Status_STATUS_CODE_ERROR
		ps.Status.Message = "module hook faulted"
	}

	ps.Attributes = append(ps.Attributes,
		strAttr("zygote.process", sanitizeUTF8(w.Process)),
		intAttr("zygote.pid", int64(w.PID)),
	)
	for k, v := range w.Attrs {
		ps.Attributes = append(ps.Attributes, strAttr(k, sanitizeUTF8(v)))
	}

	return ps
}

// ExportCounters sends counters as OTLP metrics under the simulator's
// own resource.
func (e *OTLPExporter) ExportCounters(ctx context.Context, counters []Counter) error {
	if len(counters) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	metrics := make([]*metricspb.Metric, 0, len(counters))
	for i := range counters {
		metrics = append(metrics, convertCounter(&counters[i]))
	}

	req := &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{
			{
				Resource: e.resource(),
				ScopeMetrics: []*metricspb.ScopeMetrics{
					{
						Scope: &commonpb.InstrumentationScope{
							Name:    scopeName,
							Version: scopeVersion,
						},
						Metrics: metrics,
					},
				},
			},
		},
	}

	e.mu.RLock()
	svc := e.metricSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

func convertCounter(c *Counter) *metricspb.Metric {
	pm := &metricspb.Metric{Name: c.Name}

	attrs := make([]*commonpb.KeyValue, 0, len(c.Labels))
	for k, v := range c.Labels {
		attrs = append(attrs, strAttr(k, v))
	}

	ts := uint64(c.Time.UnixNano())
	point := &metricspb.NumberDataPoint{
		TimeUnixNano: ts,
		Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: c.Value},
		Attributes:   attrs,
	}

	if c.Sum {
		pm.Data = &metricspb.Metric_Sum{
			Sum: &metricspb.Sum{
				IsMonotonic:            true,
				AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				DataPoints:             []*metricspb.NumberDataPoint{point},
			},
		}
	} else {
		pm.Data = &metricspb.Metric_Gauge{
			Gauge: &metricspb.Gauge{
				DataPoints: []*metricspb.NumberDataPoint{point},
			},
		}
	}

	return pm
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode
// replacement character. Process names and hook attributes come from
// outside the module and are not guaranteed to be valid UTF-8, which
// would fail gRPC protobuf marshaling.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}
