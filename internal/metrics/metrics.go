// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fetchd/internal/domain"
)

const namespace = "fetchd"

// Metrics implements the observer hooks of the torrent session, the tracker
// client and the download manager.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	Tasks               *prometheus.GaugeVec
	DownloadSpeedBytes  prometheus.Gauge
	DownloadedBytes     prometheus.Counter
	UploadedBytes       prometheus.Counter
	PeersConnected      prometheus.Gauge
	PiecesVerified      *prometheus.CounterVec
	TrackerAnnounces    *prometheus.CounterVec

	mu    sync.Mutex
	tasks map[int64]taskSample
}

type taskSample struct {
	status     domain.TaskStatus
	speed      int64
	downloaded int64
	uploaded   int64
}

func New() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path and status code.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 1, 3, 10},
		}, []string{"method", "path"}),
		Tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Number of known tasks by status.",
		}, []string{"status"}),
		DownloadSpeedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_speed_bytes",
			Help:      "Current aggregate download speed in bytes per second.",
		}),
		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to disk by all tasks.",
		}),
		UploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes served to peers by all torrent tasks.",
		}),
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Total number of peers connected across all sessions.",
		}),
		PiecesVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pieces_verified_total",
			Help:      "Piece hash checks by result.",
		}, []string{"result"}),
		TrackerAnnounces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracker_announces_total",
			Help:      "Tracker announces by result.",
		}, []string{"result"}),
		tasks: make(map[int64]taskSample),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.Tasks,
		m.DownloadSpeedBytes,
		m.DownloadedBytes,
		m.UploadedBytes,
		m.PeersConnected,
		m.PiecesVerified,
		m.TrackerAnnounces,
	)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) PeerConnected()    { m.PeersConnected.Inc() }
func (m *Metrics) PeerDisconnected() { m.PeersConnected.Dec() }

func (m *Metrics) PieceVerified(ok bool) {
	if ok {
		m.PiecesVerified.WithLabelValues("ok").Inc()
		return
	}
	m.PiecesVerified.WithLabelValues("corrupt").Inc()
}

// TrackerAnnounced has the signature of tracker.ClientConfig.Observer.
func (m *Metrics) TrackerAnnounced(_ string, err error) {
	if err != nil {
		m.TrackerAnnounces.WithLabelValues("error").Inc()
		return
	}
	m.TrackerAnnounces.WithLabelValues("ok").Inc()
}

// TaskUpdated keeps the per-status gauge and the byte counters current.
func (m *Metrics) TaskUpdated(task domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, known := m.tasks[task.ID]
	if known {
		m.Tasks.WithLabelValues(string(prev.status)).Dec()
	}
	if task.Status == domain.TaskStatusDeleted {
		delete(m.tasks, task.ID)
		m.setSpeedLocked()
		return
	}
	m.Tasks.WithLabelValues(string(task.Status)).Inc()

	if d := task.DownloadedBytes - prev.downloaded; known && d > 0 {
		m.DownloadedBytes.Add(float64(d))
	}
	if d := task.UploadedBytes - prev.uploaded; known && d > 0 {
		m.UploadedBytes.Add(float64(d))
	}
	sample := taskSample{
		status:     task.Status,
		downloaded: task.DownloadedBytes,
		uploaded:   task.UploadedBytes,
	}
	if task.Status == domain.TaskStatusDownloading {
		sample.speed = task.Speed
	}
	m.tasks[task.ID] = sample
	m.setSpeedLocked()
}

func (m *Metrics) setSpeedLocked() {
	var total int64
	for _, s := range m.tasks {
		total += s.speed
	}
	m.DownloadSpeedBytes.Set(float64(total))
}

// Middleware records request counts and latency per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
