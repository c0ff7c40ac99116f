// Package testdata provides utilities for generating sample metrics data
// to test Grafana dashboards without using real production data.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mirrors the metric surface exposed by internal/metrics so dashboards can
// be developed against realistic shapes.
var (
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpd_requests_total",
			Help: "Total JSON-RPC requests by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpd_request_duration_seconds",
			Help:    "JSON-RPC request handling duration.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpd_sse_streams_active",
			Help: "Currently attached SSE streams.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpd_sessions_active",
			Help: "Sessions currently held by the store.",
		},
	)
	tasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpd_tasks_active",
			Help: "Tasks in a non-terminal state.",
		},
	)
	brokerPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpd_broker_published_total",
			Help: "Messages published to the broker by topic class.",
		},
		[]string{"topic"},
	)
	sweptEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpd_swept_entries_total",
			Help: "Entries removed by TTL sweepers.",
		},
		[]string{"kind"},
	)
	sseEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpd_sse_events_total",
			Help: "SSE data frames written to clients.",
		},
	)
)

var rpcMethods = []string{
	"initialize", "ping", "tools/list", "tools/call",
	"resources/list", "resources/read", "prompts/list", "prompts/get",
	"tasks/get", "tasks/list", "completion/complete",
}

func main() {
	port := "9099"
	if len(os.Args) > 1 {
		port = os.Args[1]
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(requests, requestDuration, activeStreams, activeSessions,
		tasksActive, brokerPublished, sweptEntries, sseEvents)

	generateSampleData()

	ctx, cancel := context.WithCancel(context.Background())
	go generateContinuousData(ctx)

	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    ":" + port,
		Handler: nil,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
		server.Shutdown(context.Background())
	}()

	fmt.Printf("Sample metrics server running on http://localhost:%s/metrics\n", port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("\nTo use with Prometheus, add this to prometheus.yml:")
	fmt.Printf("  - job_name: 'mcpd-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func generateSampleData() {
	outcomes := []string{"ok", "ok", "ok", "error"}
	topics := []string{"session", "user", "broadcast"}

	for i := 0; i < 500; i++ {
		method := randomChoice(rpcMethods)
		requests.WithLabelValues(method, randomChoice(outcomes)).Inc()
		requestDuration.WithLabelValues(method).Observe(rand.Float64() * 0.25)
	}
	for i := 0; i < 120; i++ {
		brokerPublished.WithLabelValues(randomChoice(topics)).Inc()
	}
	for i := 0; i < 300; i++ {
		sseEvents.Inc()
	}
	sweptEntries.WithLabelValues("sessions").Add(float64(rand.Intn(20)))
	sweptEntries.WithLabelValues("tasks").Add(float64(rand.Intn(10)))
	sweptEntries.WithLabelValues("elicitations").Add(float64(rand.Intn(5)))

	activeSessions.Set(float64(rand.Intn(40) + 5))
	activeStreams.Set(float64(rand.Intn(20) + 2))
	tasksActive.Set(float64(rand.Intn(8)))
}

func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	topics := []string{"session", "user", "broadcast"}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			method := randomChoice(rpcMethods)
			outcome := "ok"
			if rand.Float64() > 0.9 {
				outcome = "error"
			}
			requests.WithLabelValues(method, outcome).Inc()
			requestDuration.WithLabelValues(method).Observe(rand.Float64() * 0.25)

			if rand.Float64() > 0.4 {
				brokerPublished.WithLabelValues(randomChoice(topics)).Inc()
				sseEvents.Inc()
			}
			if rand.Float64() > 0.8 {
				sweptEntries.WithLabelValues("sessions").Inc()
			}

			activeSessions.Add(float64(rand.Intn(3) - 1))
			activeStreams.Add(float64(rand.Intn(3) - 1))
			tasksActive.Set(float64(rand.Intn(8)))
		}
	}
}

func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
