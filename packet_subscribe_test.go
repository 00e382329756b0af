package mqttsession

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePacketRoundTrip(t *testing.T) {
	p := &SubscribePacket{
		PacketID: 65000,
		Subscriptions: []Subscription{
			{TopicFilter: "sensors/+/temp", QoS: 1},
			{TopicFilter: "alerts/#", QoS: 2},
		},
	}

	var buf bytes.Buffer
	_, err := WritePacket(&buf, p, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x82), buf.Bytes()[0])

	got, _, err := ReadPacket(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestSubscribePacketValidate(t *testing.T) {
	assert.ErrorIs(t, (&SubscribePacket{Subscriptions: []Subscription{{TopicFilter: "a"}}}).Validate(), ErrPacketIDRequired)
	assert.ErrorIs(t, (&SubscribePacket{PacketID: 1}).Validate(), ErrNoSubscriptions)
	assert.ErrorIs(t, (&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a/#/b"}}}).Validate(), ErrInvalidTopicFilter)
	assert.ErrorIs(t, (&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a", QoS: 3}}}).Validate(), ErrInvalidQoS)
}

func TestSubackPacket(t *testing.T) {
	p := &SubackPacket{PacketID: 2, ReturnCodes: []byte{SubackMaxQoS0, SubackMaxQoS2, SubackFailure}}

	var buf bytes.Buffer
	_, err := WritePacket(&buf, p, 0)
	require.NoError(t, err)

	got, _, err := ReadPacket(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	bad := &SubackPacket{PacketID: 2, ReturnCodes: []byte{0x03}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSubackCode)
}

func TestUnsubscribePacketRoundTrip(t *testing.T) {
	p := &UnsubscribePacket{PacketID: 8, TopicFilters: []string{"a/b", "c/#"}}

	var buf bytes.Buffer
	_, err := WritePacket(&buf, p, 0)
	require.NoError(t, err)

	got, _, err := ReadPacket(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	assert.ErrorIs(t, (&UnsubscribePacket{PacketID: 1}).Validate(), ErrNoSubscriptions)
}
