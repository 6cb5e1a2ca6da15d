// Package metrics exposes Prometheus counters/gauges for the indexer, served
// over a minimal metrics HTTP endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = loggo.GetLogger("metrics")

// Metrics holds every exported series.
type Metrics struct {
	Registry *prometheus.Registry

	BlocksIndexed       prometheus.Counter
	BatchCommitSeconds  prometheus.Histogram
	WatermarkHeight     prometheus.Gauge
	UtxoCacheEntries    prometheus.Gauge
	BalanceCacheEntries prometheus.Gauge
	MemoryShrinkEvents  prometheus.Counter
}

// New constructs and registers every series against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		BlocksIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btcbalance",
			Name:      "blocks_indexed_total",
			Help:      "Total number of blocks committed to the history store.",
		}),
		BatchCommitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "btcbalance",
			Name:      "batch_commit_seconds",
			Help:      "Latency of one batch: block fetch, preload, processing and commit to the history store.",
		}),
		WatermarkHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btcbalance",
			Name:      "watermark_height",
			Help:      "Last-synced block height.",
		}),
		UtxoCacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btcbalance",
			Name:      "utxo_cache_entries",
			Help:      "Current UTXO cache entry count.",
		}),
		BalanceCacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btcbalance",
			Name:      "balance_cache_entries",
			Help:      "Current balance cache entry count.",
		}),
		MemoryShrinkEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btcbalance",
			Name:      "memory_shrink_events_total",
			Help:      "Number of times the memory monitor shrank the caches.",
		}),
	}
	reg.MustRegister(m.BlocksIndexed, m.BatchCommitSeconds, m.WatermarkHeight,
		m.UtxoCacheEntries, m.BalanceCacheEntries, m.MemoryShrinkEvents)
	return m
}

// Server is a minimal metrics HTTP exporter, mirroring the shape of the
// teacher's service/deucalion usage (a *prometheus.Registry handed to a tiny
// HTTP server) without depending on that unpublished sibling package.
type Server struct {
	httpServer *http.Server
}

// NewServer builds (but does not start) an exporter bound to listenAddr.
func NewServer(listenAddr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return &Server{httpServer: &http.Server{Addr: listenAddr, Handler: mux}}
}

// Run blocks serving metrics until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("metrics: listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		_ = s.httpServer.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
