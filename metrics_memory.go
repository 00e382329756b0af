package mqttsession

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryMetrics keeps metrics in process. Tests read them back with the Get
// methods.
type MemoryMetrics struct {
	mu         sync.RWMutex
	counters   map[string]*memoryCounter
	gauges     map[string]*memoryGauge
	histograms map[string]*memoryHistogram
}

// NewMemoryMetrics creates a new in-memory metrics instance.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]*memoryCounter),
		gauges:     make(map[string]*memoryGauge),
		histograms: make(map[string]*memoryHistogram),
	}
}

// labelsKey is name followed by the labels sorted by key.
func labelsKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func lookupOrCreate[T any](m *MemoryMetrics, set map[string]*T, key string, create func() *T) *T {
	m.mu.RLock()
	v, ok := set[key]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := set[key]; ok {
		return v
	}
	v = create()
	set[key] = v
	return v
}

func lookup[T any](m *MemoryMetrics, set map[string]*T, key string) (*T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := set[key]
	return v, ok
}

// Counter returns the counter for name and labels, creating it on first use.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return lookupOrCreate(m, m.counters, labelsKey(name, labels), func() *memoryCounter {
		return &memoryCounter{}
	})
}

// Gauge returns the gauge for name and labels, creating it on first use.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return lookupOrCreate(m, m.gauges, labelsKey(name, labels), func() *memoryGauge {
		return &memoryGauge{}
	})
}

// Histogram returns the histogram for name and labels, creating it on first use.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return lookupOrCreate(m, m.histograms, labelsKey(name, labels), func() *memoryHistogram {
		return &memoryHistogram{}
	})
}

// GetCounter returns a recorded counter, or nil if it was never created.
func (m *MemoryMetrics) GetCounter(name string, labels MetricLabels) Counter {
	if c, ok := lookup(m, m.counters, labelsKey(name, labels)); ok {
		return c
	}
	return nil
}

// GetGauge returns a recorded gauge, or nil if it was never created.
func (m *MemoryMetrics) GetGauge(name string, labels MetricLabels) Gauge {
	if g, ok := lookup(m, m.gauges, labelsKey(name, labels)); ok {
		return g
	}
	return nil
}

// GetHistogram returns a recorded histogram, or nil if it was never created.
func (m *MemoryMetrics) GetHistogram(name string, labels MetricLabels) Histogram {
	if h, ok := lookup(m, m.histograms, labelsKey(name, labels)); ok {
		return h
	}
	return nil
}

// atomicFloat is a float64 updated with compare-and-swap.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

func (f *atomicFloat) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *atomicFloat) load() float64 { return math.Float64frombits(f.bits.Load()) }

type memoryCounter struct{ v atomicFloat }

func (c *memoryCounter) Inc()              { c.v.add(1) }
func (c *memoryCounter) Add(delta float64) { c.v.add(delta) }
func (c *memoryCounter) Value() float64    { return c.v.load() }

type memoryGauge struct{ v atomicFloat }

func (g *memoryGauge) Set(value float64) { g.v.store(value) }
func (g *memoryGauge) Inc()              { g.v.add(1) }
func (g *memoryGauge) Dec()              { g.v.add(-1) }
func (g *memoryGauge) Add(delta float64) { g.v.add(delta) }
func (g *memoryGauge) Sub(delta float64) { g.v.add(-delta) }
func (g *memoryGauge) Value() float64    { return g.v.load() }

type memoryHistogram struct {
	count atomic.Uint64
	sum   atomicFloat
}

func (h *memoryHistogram) Observe(value float64) {
	h.count.Add(1)
	h.sum.add(value)
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }
func (h *memoryHistogram) Count() uint64                  { return h.count.Load() }
func (h *memoryHistogram) Sum() float64                   { return h.sum.load() }
