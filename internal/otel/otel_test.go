package otel

import (
	"context"
	"strings"
	"testing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still hand out tracer and meter")
	}

	// Instruments and spans must be usable without panicking.
	_, span := StartSpan(ctx, p.Tracer, "ensure_session", AttrAccountID.String("A1"))
	span.End()

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("metrics on noop meter: %v", err)
	}
	m.SessionsOpened.Add(ctx, 1)
	m.BackoffDelay.Record(ctx, 5.0)

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: true, Exporter: "stdout", ServiceName: "missiond-test"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.TracerProvider == nil {
		t.Fatal("enabled provider must carry a real tracer provider")
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := StartClientSpan(ctx, p.Tracer, "deliver_work", AttrWorkItemID.String("w1"))
	span.End()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "jaeger"})
	if err == nil || !strings.Contains(err.Error(), "unknown exporter") {
		t.Fatalf("err = %v, want unknown exporter", err)
	}
}

func TestNewMetrics_AllInstruments(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.SessionsOpened == nil || m.SessionsReused == nil || m.SessionsClosed == nil ||
		m.EnsureDuration == nil || m.DeliveryDuration == nil || m.DeliveryRetries == nil ||
		m.DeadLetters == nil || m.BackoffDelay == nil {
		t.Fatal("metric instrument missing")
	}
}
