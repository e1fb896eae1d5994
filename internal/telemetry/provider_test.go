package telemetry_test

import (
	"context"
	"testing"

	"github.com/Tyrowin/chatrelay/internal/telemetry"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CHATRELAY_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("CHATRELAY_OTEL_ENABLED", "false")

	cfg, err := telemetry.LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Endpoint != "http://localhost:4318" || cfg.Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfigFromEnvDefaultsToEnabled(t *testing.T) {
	t.Setenv("CHATRELAY_OTEL_ENDPOINT", "")
	t.Setenv("CHATRELAY_OTEL_ENABLED", "")

	cfg, err := telemetry.LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Enabled || cfg.Endpoint != "" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfigFromEnvRejectsMalformedFlag(t *testing.T) {
	t.Setenv("CHATRELAY_OTEL_ENABLED", "maybe")

	if _, err := telemetry.LoadConfigFromEnv(); err == nil {
		t.Fatal("expected error for malformed CHATRELAY_OTEL_ENABLED")
	}
}

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{Enabled: true}, "chatrelay-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	cfg := telemetry.Config{Endpoint: "http://localhost:4318", Enabled: false}

	shutdown, err := telemetry.Setup(context.Background(), cfg, "chatrelay-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address so nothing is exported.
	cfg := telemetry.Config{Endpoint: "http://192.0.2.1:4318", Enabled: true}

	shutdown, err := telemetry.Setup(context.Background(), cfg, "chatrelay-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
