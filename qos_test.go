package mqttsession

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketIDManager(t *testing.T) {
	t.Run("allocate sequential", func(t *testing.T) {
		m := NewPacketIDManager()

		id1, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, uint16(1), id1)

		id2, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, uint16(2), id2)

		id3, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, uint16(3), id3)
	})

	t.Run("release and reuse", func(t *testing.T) {
		m := NewPacketIDManager()

		id1, _ := m.Allocate()
		id2, _ := m.Allocate()

		err := m.Release(id1)
		require.NoError(t, err)

		assert.False(t, m.IsUsed(id1))
		assert.True(t, m.IsUsed(id2))

		id3, _ := m.Allocate()
		assert.Equal(t, uint16(3), id3)
	})

	t.Run("release not found", func(t *testing.T) {
		m := NewPacketIDManager()

		err := m.Release(999)
		assert.ErrorIs(t, err, ErrPacketIDNotFound)
	})

	t.Run("wraparound", func(t *testing.T) {
		m := NewPacketIDManager()
		m.next = 65534

		id1, _ := m.Allocate()
		id2, _ := m.Allocate()
		id3, _ := m.Allocate()

		assert.Equal(t, uint16(65534), id1)
		assert.Equal(t, uint16(65535), id2)
		assert.Equal(t, uint16(1), id3)
	})

	t.Run("in use count", func(t *testing.T) {
		m := NewPacketIDManager()

		assert.Equal(t, 0, m.InUse())

		m.Allocate()
		m.Allocate()
		assert.Equal(t, 2, m.InUse())

		m.Release(1)
		assert.Equal(t, 1, m.InUse())
	})
}

func TestPacketIDManagerDescending(t *testing.T) {
	m := newDescendingPacketIDManager()

	id1, err := m.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), id1)

	id2, _ := m.Allocate()
	assert.Equal(t, uint16(65534), id2)

	m.next = 1
	id3, _ := m.Allocate()
	id4, _ := m.Allocate()
	assert.Equal(t, uint16(1), id3)
	assert.Equal(t, uint16(65533), id4)
}

func TestPacketIDManagerAllocateFunc(t *testing.T) {
	m := NewPacketIDManager()
	held := map[uint16]bool{1: true, 2: true}

	id, err := m.AllocateFunc(func(id uint16) bool { return held[id] })
	require.NoError(t, err)
	assert.Equal(t, uint16(3), id)
	assert.False(t, m.IsUsed(1))
}

func TestPacketIDManagerReserveReset(t *testing.T) {
	m := NewPacketIDManager()
	m.Reserve(1)
	m.Reserve(0)
	assert.Equal(t, 1, m.InUse())

	id, _ := m.Allocate()
	assert.Equal(t, uint16(2), id)

	m.Reset()
	assert.Equal(t, 0, m.InUse())
	id, _ = m.Allocate()
	assert.Equal(t, uint16(1), id)
}

func TestPacketIDManagerExhausted(t *testing.T) {
	m := NewPacketIDManager()
	for range maxPacketIDs {
		_, err := m.Allocate()
		require.NoError(t, err)
	}

	_, err := m.Allocate()
	assert.ErrorIs(t, err, ErrPacketIDExhausted)

	require.NoError(t, m.Release(42))
	id, err := m.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(42), id)
}

func TestPacketIDManagerConcurrency(t *testing.T) {
	m := NewPacketIDManager()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint16]bool)

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				id, err := m.Allocate()
				if err != nil {
					continue
				}
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000)
	assert.Equal(t, 1000, m.InUse())
}

func TestInboundQoS2(t *testing.T) {
	q := newInboundQoS2()
	msg := &Message{Topic: "a"}

	assert.True(t, q.store(7, msg))
	assert.False(t, q.store(7, &Message{Topic: "b"}))

	got, ok := q.release(7)
	assert.True(t, ok)
	assert.Same(t, msg, got)

	_, ok = q.release(7)
	assert.False(t, ok)

	q.store(8, msg)
	q.reset()
	_, ok = q.release(8)
	assert.False(t, ok)
}
