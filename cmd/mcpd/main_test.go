package main

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/fyrsmithlabs/mcpd/internal/config"
	"github.com/fyrsmithlabs/mcpd/pkg/schema"
)

func TestMainIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Set test port to avoid conflicts
	os.Setenv("SERVER_PORT", "8091")
	defer os.Unsetenv("SERVER_PORT")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, "", "serve")
	}()

	// Wait for server to start
	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get("http://localhost:8091/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}

func TestRegisterBuiltins(t *testing.T) {
	registry := schema.NewRegistry()
	registerBuiltins(registry)
	registry.Freeze()

	_, handler, ok := registry.Tool("echo")
	if !ok {
		t.Fatal("echo tool not registered")
	}

	out, err := handler(context.Background(), &schema.ToolRequest{
		Name:      "echo",
		Arguments: map[string]interface{}{"msg": "ping"},
	})
	if err != nil {
		t.Fatalf("echo handler error: %v", err)
	}
	if out != "ping" {
		t.Errorf("echo returned %v, want %q", out, "ping")
	}

	if _, _, ok := registry.Resource("mcpd://status"); !ok {
		t.Error("status resource not registered")
	}
}

func TestNormalizeLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"warning", "warn"},
		{"warn", "warn"},
		{"info", "info"},
		{"debug", "debug"},
	}

	for _, tt := range tests {
		if got := normalizeLevel(tt.in); got != tt.want {
			t.Errorf("normalizeLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Observability.EnableTelemetry = true
	cfg.Observability.OTLPEndpoint = "localhost:4317"
	cfg.Observability.OTLPInsecure = true

	telCfg := telemetryConfig(cfg)
	if !telCfg.Enabled {
		t.Error("telemetry not enabled")
	}
	if telCfg.ServiceName != "mcpd" {
		t.Errorf("service name = %q, want mcpd", telCfg.ServiceName)
	}
	if err := telCfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
