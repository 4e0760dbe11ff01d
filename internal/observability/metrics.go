package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds all Prometheus metrics for pgsearchsync
type Metrics struct {
	// Database metrics
	dbQueriesTotal    *prometheus.CounterVec
	dbQueryDuration   *prometheus.HistogramVec
	dbConnections     prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge
	dbConnectionsMax  prometheus.Gauge

	// Replication metrics
	replicationLagBytes    prometheus.Gauge
	replicationEventsTotal *prometheus.CounterVec
	replicationRestarts    prometheus.Counter

	// Router metrics
	routerMatchesTotal *prometheus.CounterVec

	// Queue metrics
	queueDepth      *prometheus.GaugeVec
	queueCoalesced  *prometheus.CounterVec
	queueEnqueued   *prometheus.CounterVec
	queueDequeued   *prometheus.CounterVec

	// Builder metrics
	builderBatchSize     *prometheus.HistogramVec
	builderBatchDuration *prometheus.HistogramVec
	builderDocsUpserted  *prometheus.CounterVec
	builderDocsDeleted   *prometheus.CounterVec

	// Sink metrics
	sinkBulkRequestsTotal *prometheus.CounterVec
	sinkBulkDuration      *prometheus.HistogramVec
	sinkRetriesTotal      *prometheus.CounterVec
	sinkDeadLettersTotal  *prometheus.CounterVec

	// System metrics
	systemUptime prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics (singleton)
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = createMetrics()
	})
	return metricsInstance
}

func createMetrics() *Metrics {
	return &Metrics{
		dbQueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_db_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table"},
		),
		dbQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgsearchsync_db_query_duration_seconds",
				Help:    "Database query latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation", "table"},
		),
		dbConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgsearchsync_db_connections",
				Help: "Current number of database connections",
			},
		),
		dbConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgsearchsync_db_connections_idle",
				Help: "Current number of idle database connections",
			},
		),
		dbConnectionsMax: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgsearchsync_db_connections_max",
				Help: "Maximum number of database connections",
			},
		),

		replicationLagBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgsearchsync_replication_lag_bytes",
				Help: "Bytes between the last confirmed flush LSN and the server's current WAL position",
			},
		),
		replicationEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_replication_events_total",
				Help: "Total number of change events decoded from the replication stream",
			},
			[]string{"table", "operation"},
		),
		replicationRestarts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pgsearchsync_replication_restarts_total",
				Help: "Total number of times the replication connection was re-established",
			},
		),

		routerMatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_router_matches_total",
				Help: "Total number of index matches resolved per change event",
			},
			[]string{"index"},
		),

		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgsearchsync_queue_depth",
				Help: "Current number of pending root keys per index",
			},
			[]string{"index"},
		),
		queueCoalesced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_queue_coalesced_total",
				Help: "Total number of root-key re-enqueues absorbed into an already-pending entry",
			},
			[]string{"index"},
		),
		queueEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_queue_enqueued_total",
				Help: "Total number of distinct root keys enqueued",
			},
			[]string{"index"},
		),
		queueDequeued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_queue_dequeued_total",
				Help: "Total number of root keys drained for batching",
			},
			[]string{"index"},
		),

		builderBatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgsearchsync_builder_batch_size",
				Help:    "Number of root keys per builder batch",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"index"},
		),
		builderBatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgsearchsync_builder_batch_duration_seconds",
				Help:    "Time to build and confirm one batch of documents",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"index"},
		),
		builderDocsUpserted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_builder_documents_upserted_total",
				Help: "Total number of documents upserted into the index",
			},
			[]string{"index"},
		),
		builderDocsDeleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_builder_documents_deleted_total",
				Help: "Total number of documents deleted from the index",
			},
			[]string{"index"},
		),

		sinkBulkRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_sink_bulk_requests_total",
				Help: "Total number of bulk requests sent to the search index",
			},
			[]string{"index", "status"},
		),
		sinkBulkDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgsearchsync_sink_bulk_duration_seconds",
				Help:    "Bulk indexing request latency in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"index"},
		),
		sinkRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_sink_retries_total",
				Help: "Total number of bulk request retries after a transient failure",
			},
			[]string{"index"},
		),
		sinkDeadLettersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsearchsync_sink_dead_letters_total",
				Help: "Total number of documents escalated to the dead letter queue",
			},
			[]string{"index"},
		),

		systemUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgsearchsync_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),
	}
}

// RecordDBQuery records database query metrics
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.dbQueriesTotal.WithLabelValues(operation, table).Inc()
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// UpdateDBStats updates database connection pool stats
func (m *Metrics) UpdateDBStats(total, idle, max int32) {
	m.dbConnections.Set(float64(total))
	m.dbConnectionsIdle.Set(float64(idle))
	m.dbConnectionsMax.Set(float64(max))
}

// UpdateReplicationLag records the current replication lag in bytes
func (m *Metrics) UpdateReplicationLag(lagBytes int64) {
	m.replicationLagBytes.Set(float64(lagBytes))
}

// RecordReplicationEvent records one decoded change event
func (m *Metrics) RecordReplicationEvent(table, operation string) {
	m.replicationEventsTotal.WithLabelValues(table, operation).Inc()
}

// RecordReplicationRestart records a replication connection re-establishment
func (m *Metrics) RecordReplicationRestart() {
	m.replicationRestarts.Inc()
}

// RecordRouterMatch records one index match resolved for a change event
func (m *Metrics) RecordRouterMatch(index string) {
	m.routerMatchesTotal.WithLabelValues(index).Inc()
}

// UpdateQueueDepth sets the current pending-key count for an index queue
func (m *Metrics) UpdateQueueDepth(index string, depth int) {
	m.queueDepth.WithLabelValues(index).Set(float64(depth))
}

// RecordQueueCoalesce records a re-enqueue absorbed into an existing pending entry
func (m *Metrics) RecordQueueCoalesce(index string) {
	m.queueCoalesced.WithLabelValues(index).Inc()
}

// RecordQueueEnqueue records a distinct root key enqueued
func (m *Metrics) RecordQueueEnqueue(index string) {
	m.queueEnqueued.WithLabelValues(index).Inc()
}

// RecordQueueDequeue records root keys drained for batching
func (m *Metrics) RecordQueueDequeue(index string, count int) {
	m.queueDequeued.WithLabelValues(index).Add(float64(count))
}

// RecordBuilderBatch records one builder batch cycle
func (m *Metrics) RecordBuilderBatch(index string, size int, duration time.Duration, upserted, deleted int) {
	m.builderBatchSize.WithLabelValues(index).Observe(float64(size))
	m.builderBatchDuration.WithLabelValues(index).Observe(duration.Seconds())
	m.builderDocsUpserted.WithLabelValues(index).Add(float64(upserted))
	m.builderDocsDeleted.WithLabelValues(index).Add(float64(deleted))
}

// RecordSinkBulk records one bulk indexing round-trip
func (m *Metrics) RecordSinkBulk(index, status string, duration time.Duration) {
	m.sinkBulkRequestsTotal.WithLabelValues(index, status).Inc()
	m.sinkBulkDuration.WithLabelValues(index).Observe(duration.Seconds())
}

// RecordSinkRetry records a retried bulk request
func (m *Metrics) RecordSinkRetry(index string) {
	m.sinkRetriesTotal.WithLabelValues(index).Inc()
}

// RecordSinkDeadLetter records a document escalated to the dead letter queue
func (m *Metrics) RecordSinkDeadLetter(index string) {
	m.sinkDeadLettersTotal.WithLabelValues(index).Inc()
}

// UpdateUptime updates the system uptime metric
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.systemUptime.Set(time.Since(startTime).Seconds())
}

// MetricsServer is a dedicated HTTP server for Prometheus metrics
type MetricsServer struct {
	server *http.Server
	port   int
	path   string
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(port int, path string) *MetricsServer {
	return &MetricsServer{
		port: port,
		path: path,
	}
}

// Start starts the metrics server on the configured port
func (ms *MetricsServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle(ms.path, promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	ms.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", ms.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	log.Info().
		Int("port", ms.port).
		Str("path", ms.path).
		Msg("starting Prometheus metrics server")

	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	if ms.server == nil {
		return nil
	}

	log.Info().Msg("shutting down metrics server")
	return ms.server.Shutdown(ctx)
}
