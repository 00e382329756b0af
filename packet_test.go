package mqttsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageClone(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		var m *Message
		assert.Nil(t, m.Clone())
	})

	t.Run("deep copy", func(t *testing.T) {
		m := &Message{Topic: "a/b", Payload: []byte("data"), QoS: 1, Retain: true, Duplicate: true}
		c := m.Clone()
		assert.Equal(t, m, c)

		c.Payload[0] = 'X'
		assert.Equal(t, []byte("data"), m.Payload)
	})
}

func TestPublishPacketMessageConversion(t *testing.T) {
	p := &PublishPacket{Topic: "t", Payload: []byte("v"), QoS: 1, Retain: true, DUP: true, PacketID: 3}
	m := p.ToMessage()
	assert.Equal(t, &Message{Topic: "t", Payload: []byte("v"), QoS: 1, Retain: true, Duplicate: true}, m)

	var back PublishPacket
	back.FromMessage(m)
	assert.Equal(t, "t", back.Topic)
	assert.False(t, back.DUP)
	assert.Equal(t, uint16(0), back.PacketID)
}
