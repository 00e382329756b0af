package mqttsession

import (
	"sync"
	"time"
)

// staleFactor is the multiple of the keepalive interval after which an
// unanswered ping marks the connection stale (MQTT suggests 1.5).
const staleFactor = 1.5

// IsStale reports whether a connection is stale: a ping was sent, nothing has
// been received since, and more than 1.5 × interval has passed since the ping.
func IsStale(now, lastPingSentAt, lastTrafficReceivedAt time.Time, interval time.Duration) bool {
	if interval <= 0 || lastPingSentAt.IsZero() {
		return false
	}
	if lastTrafficReceivedAt.After(lastPingSentAt) {
		return false
	}
	return now.Sub(lastPingSentAt) > staleWindow(interval)
}

func staleWindow(interval time.Duration) time.Duration {
	return time.Duration(float64(interval) * staleFactor)
}

// keepAliveSeconds converts an interval into the CONNECT keepalive field,
// rounding up to whole seconds.
func keepAliveSeconds(interval time.Duration) uint16 {
	if interval <= 0 {
		return 0
	}
	secs := (interval + time.Second - 1) / time.Second
	if secs > 65535 {
		return 65535
	}
	return uint16(secs)
}

// KeepAliveMonitor sends pings on an idle connection and reports when the
// broker stops answering.
type KeepAliveMonitor struct {
	mu              sync.Mutex
	interval        time.Duration
	reschedulePings bool
	sendPing        func() error
	onStale         func()
	now             func() time.Time

	timer   cancellableTimer
	running bool
	gen     uint64

	lastPingSentAt        time.Time
	lastTrafficReceivedAt time.Time
	lastTrafficSentAt     time.Time
}

// NewKeepAliveMonitor creates a stopped monitor. sendPing writes a PINGREQ;
// onStale is called at most once per Start. Both are called without any
// monitor lock held.
func NewKeepAliveMonitor(interval time.Duration, reschedulePings bool, sendPing func() error, onStale func()) *KeepAliveMonitor {
	return &KeepAliveMonitor{
		interval:        interval,
		reschedulePings: reschedulePings,
		sendPing:        sendPing,
		onStale:         onStale,
		now:             time.Now,
	}
}

// Interval returns the configured keepalive interval.
func (m *KeepAliveMonitor) Interval() time.Duration {
	return m.interval
}

// Start arms the ping timer. A zero interval leaves the monitor idle.
func (m *KeepAliveMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interval <= 0 {
		return
	}

	now := m.now()
	m.running = true
	m.gen++
	m.lastPingSentAt = time.Time{}
	m.lastTrafficReceivedAt = now
	m.lastTrafficSentAt = now
	m.armLocked(m.interval)
}

// Stop cancels the timer. Fires already in flight are ignored.
func (m *KeepAliveMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	m.gen++
	m.timer.Cancel()
}

// Running reports whether the monitor is started.
func (m *KeepAliveMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// OnSent records outbound traffic. With reschedulePings the next ping is
// pushed back a full interval.
func (m *KeepAliveMonitor) OnSent() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastTrafficSentAt = m.now()
	if m.running && m.reschedulePings && !m.pingOutstandingLocked() {
		m.armLocked(m.interval)
	}
}

// OnReceived records inbound traffic, which answers any outstanding ping.
func (m *KeepAliveMonitor) OnReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastTrafficReceivedAt = m.now()
}

// LastPingSentAt returns when the last ping was sent, or the zero time.
func (m *KeepAliveMonitor) LastPingSentAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPingSentAt
}

// LastTrafficReceivedAt returns when traffic was last received.
func (m *KeepAliveMonitor) LastTrafficReceivedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTrafficReceivedAt
}

func (m *KeepAliveMonitor) pingOutstandingLocked() bool {
	return !m.lastPingSentAt.IsZero() && !m.lastTrafficReceivedAt.After(m.lastPingSentAt)
}

func (m *KeepAliveMonitor) armLocked(d time.Duration) {
	gen := m.gen
	m.timer.Arm(d, func() { m.tick(gen) })
}

func (m *KeepAliveMonitor) tick(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}

	now := m.now()

	if m.pingOutstandingLocked() {
		if IsStale(now, m.lastPingSentAt, m.lastTrafficReceivedAt, m.interval) {
			m.running = false
			m.gen++
			m.mu.Unlock()

			if m.onStale != nil {
				m.onStale()
			}
			return
		}

		wait := m.lastPingSentAt.Add(staleWindow(m.interval)).Sub(now) + time.Millisecond
		m.armLocked(min(m.interval, wait))
		m.mu.Unlock()
		return
	}

	if m.reschedulePings {
		if idle := now.Sub(m.lastTrafficSentAt); idle < m.interval {
			m.armLocked(m.interval - idle)
			m.mu.Unlock()
			return
		}
	}

	m.lastPingSentAt = now
	m.lastTrafficSentAt = now
	m.armLocked(m.interval)
	send := m.sendPing
	m.mu.Unlock()

	if send != nil {
		// A failed write closes the transport, which stops the monitor.
		_ = send()
	}
}
