package mqttsession

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMetrics(t *testing.T) {
	t.Run("counter", func(t *testing.T) {
		m := NewMemoryMetrics()
		c := m.Counter(MetricConnectAttempts, nil)

		c.Inc()
		c.Add(4)
		c.Add(0.5)
		assert.Equal(t, 5.5, c.Value())
	})

	t.Run("gauge", func(t *testing.T) {
		m := NewMemoryMetrics()
		g := m.Gauge(MetricStoreSize, nil)

		g.Set(10)
		g.Inc()
		g.Dec()
		g.Dec()
		g.Add(5)
		g.Sub(2)
		assert.Equal(t, float64(12), g.Value())
	})

	t.Run("histogram", func(t *testing.T) {
		m := NewMemoryMetrics()
		h := m.Histogram(MetricConnectDuration, nil)

		h.Observe(0.25)
		h.ObserveDuration(750 * time.Millisecond)
		assert.Equal(t, uint64(2), h.Count())
		assert.InDelta(t, 1.0, h.Sum(), 1e-9)
	})

	t.Run("labels select separate series", func(t *testing.T) {
		m := NewMemoryMetrics()
		m.Counter(MetricMessagesPublished, qosLabel(0)).Inc()
		m.Counter(MetricMessagesPublished, qosLabel(1)).Add(3)

		assert.Equal(t, float64(1), m.GetCounter(MetricMessagesPublished, qosLabel(0)).Value())
		assert.Equal(t, float64(3), m.GetCounter(MetricMessagesPublished, qosLabel(1)).Value())
		assert.Nil(t, m.GetCounter(MetricMessagesPublished, nil))
	})

	t.Run("same name returns same series", func(t *testing.T) {
		m := NewMemoryMetrics()
		assert.Same(t, m.Counter("a", nil), m.Counter("a", nil))
		assert.Same(t, m.Gauge("a", nil), m.Gauge("a", nil))
		assert.Same(t, m.Histogram("a", nil), m.Histogram("a", nil))
	})

	t.Run("get before create", func(t *testing.T) {
		m := NewMemoryMetrics()
		assert.Nil(t, m.GetCounter("missing", nil))
		assert.Nil(t, m.GetGauge("missing", nil))
		assert.Nil(t, m.GetHistogram("missing", nil))

		m.Histogram("present", nil).Observe(1)
		require.NotNil(t, m.GetHistogram("present", nil))
		assert.Equal(t, uint64(1), m.GetHistogram("present", nil).Count())
	})
}

func TestMemoryMetricsConcurrency(t *testing.T) {
	m := NewMemoryMetrics()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Counter(MetricPingsSent, nil).Inc()
			m.Gauge(MetricStoreSize, nil).Add(1)
			m.Histogram(MetricConnectDuration, nil).Observe(0.5)
			m.Counter(MetricMessagesReceived, qosLabel(byte(i%3))).Inc()
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(100), m.GetCounter(MetricPingsSent, nil).Value())
	assert.Equal(t, float64(100), m.GetGauge(MetricStoreSize, nil).Value())
	assert.Equal(t, uint64(100), m.GetHistogram(MetricConnectDuration, nil).Count())

	total := 0.0
	for qos := range byte(3) {
		total += m.GetCounter(MetricMessagesReceived, qosLabel(qos)).Value()
	}
	assert.Equal(t, float64(100), total)
}

func TestLabelsKey(t *testing.T) {
	assert.Equal(t, "m", labelsKey("m", nil))
	assert.Equal(t, "m", labelsKey("m", MetricLabels{}))
	assert.Equal(t, "m|kind=timeout", labelsKey("m", MetricLabels{LabelKind: failureTimeout}))

	for range 20 {
		assert.Equal(t, "m|a=1|b=2|c=3", labelsKey("m", MetricLabels{"c": "3", "a": "1", "b": "2"}))
	}
}

func BenchmarkMemoryCounter(b *testing.B) {
	c := NewMemoryMetrics().Counter(MetricMessagesPublished, qosLabel(1))

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.Inc()
		}
	})
}
