package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradechat"

// Collector groups the channel metrics.
type Collector struct {
	registry *prometheus.Registry

	sent        *prometheus.CounterVec
	received    prometheus.Counter
	rateLimited prometheus.Counter
	reconnects  prometheus.Counter
	drains      prometheus.Counter
	dropped     prometheus.Counter
	errors      *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	status      prometheus.Gauge
}

// NewCollector creates a collector registered on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages acknowledged by the server, by kind.",
		}, []string{"kind"}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "New messages pushed by the server.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Sends rejected because the quota was exhausted.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts made after the first.",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drains_total",
			Help:      "Offline queue drain passes.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Queued messages dropped after a permanent rejection or expiry.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to the application, by class.",
		}, []string{"class"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting in the offline queue.",
		}),
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "0 disconnected, 1 connecting, 2 transport up, 3 authenticated, 4 joined.",
		}),
	}
	c.registry.MustRegister(
		c.sent, c.received, c.rateLimited, c.reconnects, c.drains,
		c.dropped, c.errors, c.queueDepth, c.status,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// MessageSent counts an acknowledged send.
func (c *Collector) MessageSent(kind string) {
	if c == nil {
		return
	}
	c.sent.WithLabelValues(kind).Inc()
}

// MessageReceived counts a pushed message.
func (c *Collector) MessageReceived() {
	if c == nil {
		return
	}
	c.received.Inc()
}

// RateLimited counts a send refused by the quota.
func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// ReconnectAttempt counts a reconnection attempt.
func (c *Collector) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// Drain counts a drain pass and records the remaining depth.
func (c *Collector) Drain(remaining int) {
	if c == nil {
		return
	}
	c.drains.Inc()
	c.queueDepth.Set(float64(remaining))
}

// Dropped counts queued messages that were discarded.
func (c *Collector) Dropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.dropped.Add(float64(n))
}

// Error counts an error surfaced to the application.
func (c *Collector) Error(class string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(class).Inc()
}

// QueueDepth records the offline queue depth.
func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// Status records the connection status ordinal.
func (c *Collector) Status(ordinal int) {
	if c == nil {
		return
	}
	c.status.Set(float64(ordinal))
}
