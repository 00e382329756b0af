package mqttsession

import (
	"errors"
	"sync"
)

// QoS levels.
const (
	QoS0 byte = 0
	QoS1 byte = 1
	QoS2 byte = 2
)

var (
	ErrPacketIDExhausted = errors.New("no available packet IDs")
	ErrPacketIDNotFound  = errors.New("packet ID not found")
)

const maxPacketIDs = 65535

// PacketIDManager manages allocation and release of packet IDs (1-65535).
// Allocation walks the identifier space from a cursor and wraps, skipping
// identifiers that are in use, so a freed ID is reused only after the cursor
// comes around again.
type PacketIDManager struct {
	mu         sync.Mutex
	used       map[uint16]struct{}
	next       uint16
	descending bool
}

// NewPacketIDManager creates a packet ID manager that allocates upward from 1.
func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		used: make(map[uint16]struct{}),
		next: 1,
	}
}

// newDescendingPacketIDManager allocates downward from 65535. The client uses
// it for SUBSCRIBE and UNSUBSCRIBE so those identifiers stay clear of the
// store's ascending publish identifiers.
func newDescendingPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		used:       make(map[uint16]struct{}),
		next:       maxPacketIDs,
		descending: true,
	}
}

func (m *PacketIDManager) advance() {
	if m.descending {
		m.next--
		if m.next == 0 {
			m.next = maxPacketIDs
		}
		return
	}
	m.next++
	if m.next == 0 {
		m.next = 1
	}
}

// Allocate returns the next available packet ID.
func (m *PacketIDManager) Allocate() (uint16, error) {
	return m.AllocateFunc(nil)
}

// AllocateFunc returns the next available packet ID for which skip returns
// false. A nil skip accepts every free ID.
func (m *PacketIDManager) AllocateFunc(skip func(uint16) bool) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.used) >= maxPacketIDs {
		return 0, ErrPacketIDExhausted
	}

	for range maxPacketIDs {
		id := m.next
		m.advance()
		if _, ok := m.used[id]; ok {
			continue
		}
		if skip != nil && skip(id) {
			continue
		}
		m.used[id] = struct{}{}
		return id, nil
	}

	return 0, ErrPacketIDExhausted
}

// Reserve marks id as used. It is used when restoring persisted state.
func (m *PacketIDManager) Reserve(id uint16) {
	if id == 0 {
		return
	}
	m.mu.Lock()
	m.used[id] = struct{}{}
	m.mu.Unlock()
}

// Release releases a packet ID for reuse.
func (m *PacketIDManager) Release(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.used[id]; !ok {
		return ErrPacketIDNotFound
	}
	delete(m.used, id)
	return nil
}

// IsUsed returns true if the packet ID is currently in use.
func (m *PacketIDManager) IsUsed(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.used[id]
	return ok
}

// InUse returns the count of packet IDs currently in use.
func (m *PacketIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

// Reset releases every packet ID and rewinds the cursor.
func (m *PacketIDManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = make(map[uint16]struct{})
	if m.descending {
		m.next = maxPacketIDs
	} else {
		m.next = 1
	}
}

// inboundQoS2 remembers QoS 2 PUBLISH identifiers received from the broker
// that are waiting for PUBREL, so a redelivered PUBLISH is not handed to the
// application twice.
type inboundQoS2 struct {
	pending map[uint16]*Message
}

func newInboundQoS2() *inboundQoS2 {
	return &inboundQoS2{pending: make(map[uint16]*Message)}
}

// store records msg under id and reports whether it is new.
func (q *inboundQoS2) store(id uint16, msg *Message) bool {
	if _, ok := q.pending[id]; ok {
		return false
	}
	q.pending[id] = msg
	return true
}

// release removes and returns the message waiting for PUBREL.
func (q *inboundQoS2) release(id uint16) (*Message, bool) {
	msg, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	return msg, ok
}

func (q *inboundQoS2) reset() {
	clear(q.pending)
}
