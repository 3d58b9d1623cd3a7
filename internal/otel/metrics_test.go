package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.UpdatesAccepted == nil {
		t.Error("UpdatesAccepted is nil")
	}
	if m.RunsStarted == nil {
		t.Error("RunsStarted is nil")
	}
	if m.RunsFailed == nil {
		t.Error("RunsFailed is nil")
	}
	if m.RunDuration == nil {
		t.Error("RunDuration is nil")
	}
	if m.EventsPersisted == nil {
		t.Error("EventsPersisted is nil")
	}
	if m.DeliveryRetries == nil {
		t.Error("DeliveryRetries is nil")
	}
	if m.CallbackAcks == nil {
		t.Error("CallbackAcks is nil")
	}
	if m.CounterIncrements == nil {
		t.Error("CounterIncrements is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter; metrics still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
