package mqttsession

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	// ErrStoreFull is returned by Enqueue when no packet identifier is free
	// or the store's capacity is reached.
	ErrStoreFull = errors.New("outbound store full")

	// ErrMessageNotFound is returned by Update for identifiers the store does not hold.
	ErrMessageNotFound = errors.New("message not found")
)

// PendingMessage is a publish that has not been fully acknowledged by the broker.
type PendingMessage struct {
	ID         uint16    `cbor:"1,keyasint" bson:"packet_id"`
	Topic      string    `cbor:"2,keyasint" bson:"topic"`
	Payload    []byte    `cbor:"3,keyasint" bson:"payload"`
	QoS        byte      `cbor:"4,keyasint" bson:"qos"`
	Retain     bool      `cbor:"5,keyasint" bson:"retain"`
	RetryCount int       `cbor:"6,keyasint" bson:"retry_count"`
	EnqueuedAt time.Time `cbor:"7,keyasint" bson:"enqueued_at"`

	// Sent is set once the message has been written to a connection.
	Sent bool `cbor:"8,keyasint" bson:"sent"`

	// Released is set for QoS 2 messages once PUBREC arrived; replay then
	// sends PUBREL instead of PUBLISH.
	Released bool `cbor:"9,keyasint" bson:"released"`
}

// Clone returns a copy that shares no memory with m.
func (m *PendingMessage) Clone() *PendingMessage {
	c := *m
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	return &c
}

// OutboundStore holds publishes awaiting acknowledgement, keyed by packet identifier.
//
// Entries are replayed in insertion order. Only Ack removes an entry; a
// closed transport never does.
type OutboundStore interface {
	// Enqueue stores msg, assigns it an identifier unique among held entries
	// and returns that identifier. Identifiers for which skip reports true are
	// in use elsewhere and are passed over; skip may be nil. EnqueuedAt is set
	// when zero.
	Enqueue(msg *PendingMessage, skip func(id uint16) bool) (uint16, error)

	// Ack removes the entry with id and returns it. Unknown identifiers
	// return (nil, nil).
	Ack(id uint16) (*PendingMessage, error)

	// Get returns a copy of the entry with id.
	Get(id uint16) (*PendingMessage, bool)

	// Update replaces the mutable state (RetryCount, Sent, Released) of an
	// existing entry.
	Update(msg *PendingMessage) error

	// DrainInOrder returns copies of all entries in insertion order without
	// removing them.
	DrainInOrder() ([]*PendingMessage, error)

	// Size returns the number of held entries.
	Size() int

	// Clear removes every entry.
	Clear() error
}

// StoreOption configures a MemoryStore.
type StoreOption func(*MemoryStore)

// WithStoreCapacity limits the number of entries. Zero means no limit
// beyond the 65535 packet identifiers.
func WithStoreCapacity(n int) StoreOption {
	return func(s *MemoryStore) {
		s.capacity = n
	}
}

// MemoryStore is an in-memory OutboundStore.
type MemoryStore struct {
	mu       sync.Mutex
	order    *list.List
	index    map[uint16]*list.Element
	ids      *PacketIDManager
	capacity int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		order: list.New(),
		index: make(map[uint16]*list.Element),
		ids:   NewPacketIDManager(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue implements OutboundStore.
func (s *MemoryStore) Enqueue(msg *PendingMessage, skip func(id uint16) bool) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity > 0 && s.order.Len() >= s.capacity {
		return 0, ErrStoreFull
	}

	id, err := s.ids.AllocateFunc(skip)
	if err != nil {
		return 0, ErrStoreFull
	}

	entry := msg.Clone()
	entry.ID = id
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	msg.ID = id
	msg.EnqueuedAt = entry.EnqueuedAt

	s.index[id] = s.order.PushBack(entry)
	return id, nil
}

// Ack implements OutboundStore.
func (s *MemoryStore) Ack(id uint16) (*PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[id]
	if !ok {
		return nil, nil
	}

	delete(s.index, id)
	s.order.Remove(elem)
	_ = s.ids.Release(id)

	return elem.Value.(*PendingMessage), nil
}

// Get implements OutboundStore.
func (s *MemoryStore) Get(id uint16) (*PendingMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*PendingMessage).Clone(), true
}

// Update implements OutboundStore.
func (s *MemoryStore) Update(msg *PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[msg.ID]
	if !ok {
		return ErrMessageNotFound
	}

	entry := elem.Value.(*PendingMessage)
	entry.RetryCount = msg.RetryCount
	entry.Sent = msg.Sent
	entry.Released = msg.Released
	return nil
}

// DrainInOrder implements OutboundStore.
func (s *MemoryStore) DrainInOrder() ([]*PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*PendingMessage, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*PendingMessage).Clone())
	}
	return out, nil
}

// Size implements OutboundStore.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Clear implements OutboundStore.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order.Init()
	clear(s.index)
	s.ids.Reset()
	return nil
}

// restore replaces the contents with entries, keeping their identifiers and order.
func (s *MemoryStore) restore(entries []*PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order.Init()
	clear(s.index)
	s.ids.Reset()

	for _, entry := range entries {
		if entry.ID == 0 {
			return ErrPacketIDRequired
		}
		if _, dup := s.index[entry.ID]; dup {
			return ErrInvalidSnapshot
		}
		s.ids.Reserve(entry.ID)
		s.index[entry.ID] = s.order.PushBack(entry.Clone())
	}
	return nil
}
