package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the daemon exposes.
type Metrics struct {
	// Transfer metrics
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec

	// Discovery metrics
	DevicesDiscoveredTotal *prometheus.CounterVec
	DevicesOnline          prometheus.Gauge
	ProbesAttemptedTotal   prometheus.Counter
	BeaconsSentTotal       prometheus.Counter
	BeaconsReceivedTotal   prometheus.Counter

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram
	NonceTrackerSize        prometheus.Gauge

	// HTTP transport metrics
	HTTPConnectionsTotal *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec

	// Storage metrics
	CheckpointPersistDuration prometheus.Histogram
	DatabaseOperationsTotal   *prometheus.CounterVec
	DiskSpaceUsedBytes        prometheus.Gauge

	activeTransfers int64
}

// NewMetrics creates and registers every metric.
func NewMetrics() *Metrics {
	return &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "syndro_transfers_total", Help: "Total transfers initiated"},
			[]string{"status"},
		),
		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "syndro_transfers_active", Help: "Currently active transfers"},
		),
		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "syndro_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),
		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "syndro_bytes_transferred_total", Help: "Total bytes transferred"},
			[]string{"direction"},
		),
		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "syndro_chunks_sent_total", Help: "Total chunks sent"},
		),
		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "syndro_chunks_received_total", Help: "Total chunks received"},
		),
		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "syndro_chunks_retransmitted_total", Help: "Chunks requiring retransmission"},
			[]string{"reason"},
		),

		DevicesDiscoveredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "syndro_devices_discovered_total", Help: "Devices discovered"},
			[]string{"via"},
		),
		DevicesOnline: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "syndro_devices_online", Help: "Devices currently considered online"},
		),
		ProbesAttemptedTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "syndro_probes_attempted_total", Help: "TCP probe scan attempts"},
		),
		BeaconsSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "syndro_beacons_sent_total", Help: "UDP beacons sent"},
		),
		BeaconsReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "syndro_beacons_received_total", Help: "UDP beacons received"},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "syndro_crypto_operations_total", Help: "Cryptographic operations performed"},
			[]string{"operation"},
		),
		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "syndro_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),
		NonceTrackerSize: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "syndro_nonce_tracker_size", Help: "Nonces currently tracked for reuse detection"},
		),

		HTTPConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "syndro_http_connections_total", Help: "Inbound transfer HTTP connections"},
			[]string{"result"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syndro_http_request_duration_seconds",
				Help:    "Transfer engine HTTP handler latency",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15},
			},
			[]string{"path"},
		),

		CheckpointPersistDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "syndro_checkpoint_persist_duration_seconds",
				Help:    "Checkpoint write latency",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),
		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "syndro_database_operations_total", Help: "External history-database calls"},
			[]string{"operation", "result"},
		),
		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "syndro_disk_space_used_bytes", Help: "Disk space used by received files"},
		),
	}
}

// RecordTransferStart increments active-transfer counters.
func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

// RecordTransferComplete records transfer completion metrics.
func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}
	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDeviceDiscovered(via string) {
	m.DevicesDiscoveredTotal.WithLabelValues(via).Inc()
}

func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordHTTPConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.HTTPConnectionsTotal.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
