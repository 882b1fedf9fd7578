// Package metrics exports Prometheus metrics of control connections,
// workers and data transfers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the metric vectors. Create it with New; the zero value
// is not usable.
type Collector struct {
	registry *prometheus.Registry

	connectAttempts prometheus.Counter
	logins          *prometheus.CounterVec
	loginDuration   prometheus.Histogram
	replies         *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	workers         *prometheus.GaugeVec
	diskQueue       prometheus.Gauge
}

// New registers the collector's metrics in a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ftp_connect_attempts_total",
			Help: "Connection attempts made by the connect loop, including retries",
		}),
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftp_logins_total",
				Help: "Finished connect loops by outcome (success, failure, canceled)",
			},
			[]string{"outcome"},
		),
		loginDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ftp_login_duration_seconds",
			Help:    "Time from the start of the connect loop to its end",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftp_replies_total",
				Help: "Server replies by reply class (1xx..5xx, or raw for non-FTP lines)",
			},
			[]string{"class"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftp_data_bytes_total",
				Help: "Bytes moved over data connections",
			},
			[]string{"direction"},
		),
		workers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ftp_workers",
				Help: "Workers of the active operation by state",
			},
			[]string{"state"},
		),
		diskQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ftp_disk_queue_length",
			Help: "Work items waiting for the disk thread",
		}),
	}

	c.registry.MustRegister(
		c.connectAttempts,
		c.logins,
		c.loginDuration,
		c.replies,
		c.bytes,
		c.workers,
		c.diskQueue,
	)
	return c
}

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry: c.registry,
	})
}

// ConnectAttempt counts one attempt to open the control connection.
func (c *Collector) ConnectAttempt() {
	c.connectAttempts.Inc()
}

// LoginFinished records the outcome of a connect loop.
func (c *Collector) LoginFinished(outcome string, elapsed time.Duration) {
	c.logins.WithLabelValues(outcome).Inc()
	c.loginDuration.Observe(elapsed.Seconds())
}

// Reply counts a server reply.
func (c *Collector) Reply(code int) {
	class := "raw"
	if code >= 100 && code < 600 {
		class = strconv.Itoa(code/100) + "xx"
	}
	c.replies.WithLabelValues(class).Inc()
}

// Transferred adds n bytes in direction ("download" or "upload").
func (c *Collector) Transferred(direction string, n int64) {
	if n > 0 {
		c.bytes.WithLabelValues(direction).Add(float64(n))
	}
}

// SetWorkers sets the number of workers in state.
func (c *Collector) SetWorkers(state string, n int) {
	c.workers.WithLabelValues(state).Set(float64(n))
}

// SetDiskQueue sets the number of queued disk work items.
func (c *Collector) SetDiskQueue(n int) {
	c.diskQueue.Set(float64(n))
}
