package observability

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"nhbescrow/core/events"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and error code.",
			}, []string{"module", "method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. errCode is the JSON-RPC
// error code returned to the client, or zero on success.
func (m *moduleMetrics) Observe(module, method string, errCode int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if errCode != 0 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if errCode != 0 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", errCode)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// EscrowMetrics tracks committed escrow transitions and the custody balance.
// It implements events.Emitter so it can be attached to the engine directly.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	custody     prometheus.Gauge
	lastSeq     prometheus.Gauge

	mu      sync.Mutex
	balance *big.Int
}

// Escrow returns the singleton escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Count of committed escrow transitions segmented by event type.",
			}, []string{"event"}),
			custody: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "escrow",
				Name:      "custody_balance",
				Help:      "Value currently held in custody across all funded deals.",
			}),
			lastSeq: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "escrow",
				Name:      "journal_head",
				Help:      "Sequence number of the most recently committed escrow event.",
			}),
			balance: big.NewInt(0),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.custody,
			escrowRegistry.lastSeq,
		)
	})
	return escrowRegistry
}

// SetCustody seeds the custody gauge, typically from persisted state at
// startup.
func (m *EscrowMetrics) SetCustody(balance *big.Int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = big.NewInt(0)
	if balance != nil {
		m.balance.Set(balance)
	}
	m.custody.Set(bigToFloat(m.balance))
}

// Emit implements events.Emitter.
func (m *EscrowMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.transitions.WithLabelValues(evt.EventType()).Inc()
	payload, ok := events.PayloadOf(evt)
	if !ok {
		return
	}
	if payload.Sequence > 0 {
		m.lastSeq.Set(float64(payload.Sequence))
	}
	if payload.Type != "escrow.funds_deposited" {
		return
	}
	amount, ok := new(big.Int).SetString(payload.Attributes["amount"], 10)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance.Add(m.balance, amount)
	m.custody.Set(bigToFloat(m.balance))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
