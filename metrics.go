package mqttsession

import (
	"errors"
	"strconv"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// MetricTypeCounter is a monotonically increasing counter.
	MetricTypeCounter MetricType = 0
	// MetricTypeGauge is a value that can go up and down.
	MetricTypeGauge MetricType = 1
	// MetricTypeHistogram tracks distribution of values.
	MetricTypeHistogram MetricType = 2
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add adds the given value to the counter.
	Add(delta float64)

	// Value returns the current value.
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()

	// Add adds the given value to the gauge.
	Add(delta float64)

	// Sub subtracts the given value from the gauge.
	Sub(delta float64)

	// Value returns the current value.
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	// Observe records a value.
	Observe(value float64)

	// ObserveDuration records a duration in seconds.
	ObserveDuration(d time.Duration)

	// Count returns the number of observations.
	Count() uint64

	// Sum returns the sum of all observations.
	Sum() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return &noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return &noOpGauge{}
}

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram {
	return &noOpHistogram{}
}

type noOpCounter struct{}

func (n *noOpCounter) Inc()           {}
func (n *noOpCounter) Add(_ float64)  {}
func (n *noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (n *noOpGauge) Set(_ float64)  {}
func (n *noOpGauge) Inc()           {}
func (n *noOpGauge) Dec()           {}
func (n *noOpGauge) Add(_ float64)  {}
func (n *noOpGauge) Sub(_ float64)  {}
func (n *noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (n *noOpHistogram) Observe(_ float64)            {}
func (n *noOpHistogram) ObserveDuration(_ time.Duration) {}
func (n *noOpHistogram) Count() uint64                { return 0 }
func (n *noOpHistogram) Sum() float64                 { return 0 }

// Metric names recorded by Client.
const (
	// MetricConnectAttempts counts connection attempts, the first included.
	MetricConnectAttempts = "mqtt_client_connect_attempts"

	// MetricConnectFailures counts failed attempts, labelled by kind.
	MetricConnectFailures = "mqtt_client_connect_failures"

	// MetricReconnects counts transitions into OPEN after the first.
	MetricReconnects = "mqtt_client_reconnects"

	// MetricPingsSent counts PINGREQ packets.
	MetricPingsSent = "mqtt_client_pings_sent"

	// MetricKeepAliveTimeouts counts connections dropped as stale.
	MetricKeepAliveTimeouts = "mqtt_client_keepalive_timeouts"

	// MetricMessagesReplayed counts stored messages flushed on OPEN.
	MetricMessagesReplayed = "mqtt_client_messages_replayed"

	// MetricMessagesPublished counts messages accepted by Publish.
	MetricMessagesPublished = "mqtt_client_messages_published"

	// MetricMessagesReceived counts messages delivered to handlers.
	MetricMessagesReceived = "mqtt_client_messages_received"

	// MetricStoreSize is the number of messages held by the outbound store.
	MetricStoreSize = "mqtt_client_store_size"

	// MetricConnectDuration is the time from dial to CONNACK.
	MetricConnectDuration = "mqtt_client_connect_duration_seconds"
)

// Standard metric labels.
const (
	// LabelQoS is the QoS level label.
	LabelQoS = "qos"

	// LabelKind is the failure kind label.
	LabelKind = "kind"
)

// Failure kinds reported under LabelKind.
const (
	failureTransport = "transport"
	failureProtocol  = "protocol"
	failureTimeout   = "timeout"
	failureRefused   = "refused"
	failureOther     = "other"
)

// failureKind classifies a failed connection attempt.
func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		return failureTimeout
	case errors.Is(err, ErrConnectRefused), errors.Is(err, ErrAuthFailed):
		return failureRefused
	case errors.Is(err, ErrProtocolError):
		return failureProtocol
	case errors.Is(err, ErrTransport):
		return failureTransport
	default:
		return failureOther
	}
}

func qosLabel(qos byte) MetricLabels {
	return MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
}

// clientMetrics records the Client metric set.
type clientMetrics struct {
	metrics Metrics
}

func newClientMetrics(m Metrics) *clientMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &clientMetrics{metrics: m}
}

func (c *clientMetrics) connectAttempt() {
	c.metrics.Counter(MetricConnectAttempts, nil).Inc()
}

func (c *clientMetrics) connectFailure(err error) {
	c.metrics.Counter(MetricConnectFailures, MetricLabels{LabelKind: failureKind(err)}).Inc()
}

func (c *clientMetrics) connected(d time.Duration, reconnected bool) {
	c.metrics.Histogram(MetricConnectDuration, nil).ObserveDuration(d)
	if reconnected {
		c.metrics.Counter(MetricReconnects, nil).Inc()
	}
}

func (c *clientMetrics) pingSent() {
	c.metrics.Counter(MetricPingsSent, nil).Inc()
}

func (c *clientMetrics) keepAliveTimeout() {
	c.metrics.Counter(MetricKeepAliveTimeouts, nil).Inc()
}

func (c *clientMetrics) replayed(n int) {
	if n > 0 {
		c.metrics.Counter(MetricMessagesReplayed, nil).Add(float64(n))
	}
}

func (c *clientMetrics) published(qos byte) {
	c.metrics.Counter(MetricMessagesPublished, qosLabel(qos)).Inc()
}

func (c *clientMetrics) received(qos byte) {
	c.metrics.Counter(MetricMessagesReceived, qosLabel(qos)).Inc()
}

func (c *clientMetrics) storeSize(n int) {
	c.metrics.Gauge(MetricStoreSize, nil).Set(float64(n))
}
