package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewProviders_EmptyEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, ep := range []string{"", "   "} {
		p, err := NewProviders(ctx, ep, "test-service", false)
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", ep, err)
		}
		if p.TracerProvider == nil || p.MeterProvider == nil || p.LoggerProvider == nil {
			t.Fatalf("NewProviders(%q): nil provider in %+v", ep, p)
		}
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func TestNewProviders_InvalidEndpoint(t *testing.T) {
	for _, ep := range []string{"http://[invalid", "http://"} {
		if _, err := NewProviders(context.Background(), ep, "svc", false); err == nil {
			t.Errorf("NewProviders(%q): expected error", ep)
		}
	}
}

func TestCollectorTarget(t *testing.T) {
	cases := []struct {
		endpoint     string
		override     bool
		wantTarget   string
		wantInsecure bool
	}{
		{"localhost:4317", false, "localhost:4317", true},
		{"http://collector:4317", false, "collector:4317", true},
		{"https://collector:4317/v1/traces", false, "collector:4317", false},
		{"https://collector:4317", true, "collector:4317", true},
	}
	for _, c := range cases {
		target, insecure, err := collectorTarget(c.endpoint, c.override)
		if err != nil {
			t.Fatalf("collectorTarget(%q): %v", c.endpoint, err)
		}
		if target != c.wantTarget || insecure != c.wantInsecure {
			t.Errorf("collectorTarget(%q, %v) = %q, %v; want %q, %v", c.endpoint, c.override, target, insecure, c.wantTarget, c.wantInsecure)
		}
	}
}

func TestNewProviders_WithEndpoint(t *testing.T) {
	ctx := context.Background()
	// Exporters connect lazily, so construction succeeds without a collector.
	p, err := NewProviders(ctx, "localhost:4317", "svc", false)
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	if p.TracerProvider == nil || p.MeterProvider == nil || p.LoggerProvider == nil {
		t.Fatal("expected all providers")
	}
	shutdownCtx, cancel := context.WithCancel(ctx)
	cancel()
	_ = p.Shutdown(shutdownCtx)
}

func TestSetGlobal(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	(&Providers{TracerProvider: tp}).SetGlobal()
	if otel.GetTracerProvider() != tp {
		t.Error("global tracer provider not set")
	}
	(&Providers{}).SetGlobal()
	if otel.GetTracerProvider() != tp {
		t.Error("nil providers must not replace globals")
	}
}
