// Package metrics exposes Prometheus counters for the ingest pipeline plus
// the /metrics and /debug/pprof endpoints.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics owns its registry; nothing is registered globally. All recording
// methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	Registry *prometheus.Registry

	claims     *prometheus.CounterVec
	claimRaces prometheus.Counter
	batches    *prometheus.CounterVec
	items      *prometheus.CounterVec
	routes     *prometheus.CounterVec
	requests   *prometheus.CounterVec
	latency    prometheus.Histogram
	dispatches *prometheus.CounterVec
	inflight   prometheus.Gauge
	queueDepth *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_claims_total",
			Help: "Batches claimed, by tier.",
		}, []string{"tier"}),
		claimRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_claim_races_total",
			Help: "Conditional claims lost to another worker.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_batches_total",
			Help: "Batches finished, by terminal status.",
		}, []string{"status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_items_total",
			Help: "Items persisted or failed.",
		}, []string{"outcome"}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_routing_decisions_total",
			Help: "Routing decisions, by route and deciding rule.",
		}, []string{"route", "rule"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_http_requests_total",
			Help: "Marketplace API requests, by status code.",
		}, []string{"code"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_http_latency_seconds",
			Help:    "Marketplace API request latency.",
			Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_dispatch_total",
			Help: "Worker start attempts, by outcome.",
		}, []string{"outcome"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_inflight",
			Help: "Batches currently being processed by this process.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Batches by status at the last status read.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.claims, m.claimRaces, m.batches, m.items, m.routes,
		m.requests, m.latency, m.dispatches, m.inflight, m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Claimed(tier string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.claims.WithLabelValues(tier).Add(float64(n))
}

func (m *Metrics) ClaimRaceLost() {
	if m == nil {
		return
	}
	m.claimRaces.Inc()
}

func (m *Metrics) BatchFinished(status string, processed, failed int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(status).Inc()
	if processed > 0 {
		m.items.WithLabelValues("processed").Add(float64(processed))
	}
	if failed > 0 {
		m.items.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *Metrics) Routed(route, rule string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(route, rule).Inc()
}

// RecordRequest counts one marketplace call. code 0 means no response.
func (m *Metrics) RecordRequest(code int, latency time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(code)).Inc()
	m.latency.Observe(latency.Seconds())
}

func (m *Metrics) Dispatched(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddInflight(d int) {
	if m == nil {
		return
	}
	m.inflight.Add(float64(d))
}

func (m *Metrics) SetQueueDepth(pending, processing int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("processing").Set(float64(processing))
}

// Handler serves /metrics and /debug/pprof/*.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Serve listens on addr until ctx is done. An empty addr disables the server.
func Serve(ctx context.Context, addr string, m *Metrics, log zerolog.Logger) {
	if addr == "" || m == nil {
		return
	}
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}
