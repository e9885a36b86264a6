package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type streamMetrics struct {
	subscribers prometheus.Gauge
	delivered   *prometheus.CounterVec
	disconnects *prometheus.CounterVec
}

var (
	streamMetricsOnce sync.Once
	streamRegistry    *streamMetrics
)

// Stream returns the metrics registry tracking websocket event subscribers.
func Stream() *streamMetrics {
	streamMetricsOnce.Do(func() {
		streamRegistry = &streamMetrics{
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "events",
				Name:      "stream_subscribers",
				Help:      "Number of connected event stream subscribers.",
			}),
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "events",
				Name:      "delivered_total",
				Help:      "Count of events written to stream subscribers segmented by event type.",
			}, []string{"event"}),
			disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "events",
				Name:      "disconnects_total",
				Help:      "Count of stream subscribers disconnected segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(streamRegistry.subscribers, streamRegistry.delivered, streamRegistry.disconnects)
	})
	return streamRegistry
}

// Connected adjusts the subscriber gauge by delta.
func (m *streamMetrics) Connected(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

// RecordDelivered increments the delivery counter for the supplied event type.
func (m *streamMetrics) RecordDelivered(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.delivered.WithLabelValues(normalized).Inc()
}

// RecordDisconnect counts a subscriber leaving the stream.
func (m *streamMetrics) RecordDisconnect(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.disconnects.WithLabelValues(reason).Inc()
}
