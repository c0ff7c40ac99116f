// Mcpd is a Model Context Protocol server daemon with HTTP/SSE and stdio
// transports, pluggable session storage (memory or Redis), and a message
// broker (in-process or NATS) for multi-instance stream routing.
//
// Configuration is loaded from ~/.config/mcpd/config.yaml with environment
// overrides. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	mcpd
//
//	# Serve over stdio instead of HTTP
//	mcpd stdio
//
//	# Configure via environment
//	SERVER_PORT=9090 STORE_BACKEND=redis STORE_REDIS_ADDR=localhost:6379 mcpd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	otellog "go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/mcpd/internal/config"
	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/internal/metrics"
	"github.com/fyrsmithlabs/mcpd/internal/telemetry"
	"github.com/fyrsmithlabs/mcpd/pkg/auth"
	"github.com/fyrsmithlabs/mcpd/pkg/broker"
	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
	"github.com/fyrsmithlabs/mcpd/pkg/schema"
	"github.com/fyrsmithlabs/mcpd/pkg/server"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/mcpd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	mode := "serve"
	if len(args) > 0 {
		mode = args[0]
	}
	switch mode {
	case "serve", "stdio":
	case "version":
		printVersion()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", mode)
		fmt.Fprintf(os.Stderr, "\nUsage:\n")
		fmt.Fprintf(os.Stderr, "  mcpd [serve]    Start the mcpd daemon (HTTP/SSE transport)\n")
		fmt.Fprintf(os.Stderr, "  mcpd stdio      Serve MCP over stdin/stdout\n")
		fmt.Fprintf(os.Stderr, "  mcpd version    Show version information\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, mode); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("mcpd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires configuration, logging, stores, broker, and the protocol
// components, then blocks serving the selected transport.
func run(ctx context.Context, configPath, mode string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	logger, err := initLogger(cfg, mode, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting mcpd",
		zap.String("mode", mode),
		zap.String("version", version),
		zap.String("store.backend", cfg.Store.Backend),
		zap.String("broker.backend", cfg.Broker.Backend))

	deps, err := initDependencies(ctx, cfg, logger, mode)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	registry := schema.NewRegistry()
	registerBuiltins(registry)
	registry.Freeze()

	dispatcher := mcp.NewDispatcher(mcp.DispatcherConfig{
		ServerName:    cfg.Observability.ServiceName,
		ServerVersion: version,
		EnableTasks:   cfg.Tasks.Enabled,
	}, registry, deps.store, deps.tasks, logger, deps.metrics)

	if mode == "stdio" {
		return runStdio(ctx, dispatcher, deps.store)
	}
	return runHTTP(ctx, cfg, dispatcher, deps, logger)
}

func runHTTP(ctx context.Context, cfg *config.Config, dispatcher *mcp.Dispatcher, deps *dependencies, logger *logging.Logger) error {
	srv := server.NewServer(cfg)

	if cfg.Auth.Enabled {
		authCfg := auth.Config{
			Enabled:                   true,
			JWKSURL:                   cfg.Auth.JWKSURL,
			IntrospectionURL:          cfg.Auth.IntrospectionURL,
			IntrospectionClientID:     cfg.Auth.IntrospectionClientID,
			IntrospectionClientSecret: cfg.Auth.IntrospectionClientSecret.Value(),
			ResourceURI:               cfg.Auth.ResourceURI,
			ValidateAudience:          cfg.Auth.ValidateAudience,
			Realm:                     cfg.Auth.Realm,
			RequiredScopes:            cfg.Auth.RequiredScopes,
			RefreshEndpoint:           cfg.Auth.RefreshEndpoint,
			RefreshWindow:             cfg.Auth.RefreshWindow,
			RefreshMaxAttempts:        cfg.Auth.RefreshMaxAttempts,
			HTTPTimeout:               cfg.Auth.HTTPTimeout,
		}
		if authCfg.ResourceURI != "" {
			authCfg.ResourceMetadataURL = authCfg.ResourceURI + "/.well-known/oauth-protected-resource"
		}
		pipeline := auth.NewPipeline(authCfg, auth.NewValidator(authCfg), deps.store, logger)
		srv.Echo().Use(pipeline.Middleware())
		logger.Info(ctx, "authorization enabled",
			zap.Bool("jwks", cfg.Auth.JWKSURL != ""),
			zap.Bool("introspection", cfg.Auth.IntrospectionURL != ""))
	}

	transport := mcp.NewServer(mcp.ServerConfig{
		EnableSSE:      cfg.Server.SSEEnabled,
		Heartbeat:      cfg.Server.HeartbeatInterval,
		SessionIdleTTL: cfg.Server.SessionIdleTTL,
		SweepInterval:  cfg.Server.SweepInterval,
	}, dispatcher, deps.store, deps.streams, deps.tasks, deps.elicitations, logger, deps.metrics)
	transport.Register(srv.Echo())

	go transport.RunSweepers(ctx)

	logger.Info(ctx, "server configured",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("sse", cfg.Server.SSEEnabled),
		zap.String("mcp_endpoint", "/mcp"),
		zap.String("metrics_endpoint", "/metrics"))

	return srv.Start(ctx)
}

// dependencies holds infrastructure handles shared by the transports.
type dependencies struct {
	store        session.Store
	broker       broker.Broker
	streams      *mcp.StreamManager
	tasks        *mcp.TaskManager
	elicitations *mcp.ElicitationManager
	metrics      *metrics.Metrics

	natsConn    *nats.Conn
	redisClient *redis.Client
}

func (d *dependencies) Close() {
	if d.streams != nil {
		_ = d.streams.Close()
	}
	if d.broker != nil {
		d.broker.Close()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.redisClient != nil {
		_ = d.redisClient.Close()
	}
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger, mode string) (*dependencies, error) {
	deps := &dependencies{}

	if mode == "stdio" {
		deps.metrics = metrics.NewNop()
	} else {
		deps.metrics = metrics.New(prometheus.DefaultRegisterer)
	}

	switch cfg.Store.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword.Value(),
			DB:       cfg.Store.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Store.RedisAddr, err)
		}
		deps.redisClient = rdb
		deps.store = session.NewRedisStore(rdb)
		logger.Info(ctx, "connected to redis", zap.String("addr", cfg.Store.RedisAddr))
	default:
		deps.store = session.NewMemoryStore()
	}

	switch cfg.Broker.Backend {
	case "nats":
		nc, err := nats.Connect(cfg.Broker.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Broker.NATSURL, err)
		}
		deps.natsConn = nc
		deps.broker = broker.NewNATSBroker(nc)
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.Broker.NATSURL))
	default:
		deps.broker = broker.NewMemoryBroker()
	}

	deps.streams = mcp.NewStreamManager(deps.store, deps.broker, logger, deps.metrics)
	if err := deps.streams.Start(ctx); err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to start stream manager: %w", err)
	}

	if cfg.Tasks.Enabled {
		notify := func(ctx context.Context, sessionID string, payload []byte) {
			if err := deps.streams.SendToSession(ctx, sessionID, payload); err != nil {
				logger.Debug(ctx, "task notification not delivered",
					zap.String("session.id", sessionID), zap.Error(err))
			}
		}
		deps.tasks = mcp.NewTaskManager(cfg.Tasks.PollInterval, notify, logger, deps.metrics)
	}

	deps.elicitations = mcp.NewElicitationManager(cfg.Elicitation.TTL, deps.streams, logger, deps.metrics)
	return deps, nil
}

// telemetryConfig maps the observability section onto the telemetry
// package's config, which carries its own validation and defaults.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.EnableTelemetry
	telCfg.Endpoint = cfg.Observability.OTLPEndpoint
	telCfg.Protocol = cfg.Observability.OTLPProtocol
	telCfg.Insecure = cfg.Observability.OTLPInsecure
	telCfg.ServiceName = cfg.Observability.ServiceName
	telCfg.ServiceVersion = version
	return telCfg
}

// initLogger builds the structured logger. In stdio mode logs would corrupt
// the protocol channel on stdout, so output stays off unless debugging.
func initLogger(cfg *config.Config, mode string, otelProvider otellog.LoggerProvider) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Format = cfg.Logging.Format
	if err := logCfg.Level.UnmarshalText([]byte(normalizeLevel(cfg.Logging.Level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	if mode == "stdio" {
		logCfg.Output.Stdout = false
	}
	return logging.NewLogger(logCfg, otelProvider)
}

func normalizeLevel(level string) string {
	if level == "warning" {
		return zapcore.WarnLevel.String()
	}
	return level
}
