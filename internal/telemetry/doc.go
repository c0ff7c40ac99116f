// Package telemetry provides OpenTelemetry instrumentation for mcpd.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using the
// OpenTelemetry Go SDK. It exports telemetry data to an OTEL Collector over
// OTLP (gRPC by default, http/protobuf optionally).
//
// # Usage
//
// Create telemetry instance:
//
//	cfg := telemetry.NewDefaultConfig()
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("mcpd.dispatch")
//	ctx, span := tracer.Start(ctx, "tools/call")
//	defer span.End()
//
//	meter := tel.Meter("mcpd.dispatch")
//	counter, _ := meter.Int64Counter("rpc.requests")
//	counter.Add(ctx, 1)
//
// # Configuration
//
//	observability:
//	  enable_telemetry: true
//	  otlp_endpoint: "localhost:4317"
//	  service_name: "mcpd"
//
// # Error Handling
//
// Telemetry failures do not crash the application. If telemetry cannot be
// initialized, the instance degrades gracefully and returns no-op providers.
//
// # Testing
//
// Use TestTelemetry for tests:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	_, span := tracer.Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
