package mqttsession

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr error
	}{
		{"valid simple", "test", nil},
		{"valid with slash", "test/topic", nil},
		{"valid with multiple levels", "a/b/c/d", nil},
		{"valid starting with slash", "/test", nil},
		{"valid ending with slash", "test/", nil},
		{"valid UTF-8", "sensor/temperatur/C", nil},
		{"empty", "", ErrEmptyTopic},
		{"contains +", "test/+/topic", ErrInvalidTopicName},
		{"contains #", "test/#", ErrInvalidTopicName},
		{"contains null", "test\x00topic", ErrInvalidTopicName},
		{"too long", strings.Repeat("a", 65536), ErrInvalidTopicName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicName(tt.topic)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantErr error
	}{
		{"valid simple", "test", nil},
		{"valid with slash", "test/topic", nil},
		{"valid single wildcard", "+", nil},
		{"valid single wildcard in middle", "test/+/topic", nil},
		{"valid multi wildcard", "#", nil},
		{"valid multi wildcard at end", "test/#", nil},
		{"valid multi level with single", "+/+/+", nil},
		{"valid combined wildcards", "+/test/#", nil},
		{"empty", "", ErrEmptyTopic},
		{"invalid + not alone", "test+", ErrInvalidTopicFilter},
		{"invalid + mixed", "te+st", ErrInvalidTopicFilter},
		{"invalid # not alone", "test#", ErrInvalidTopicFilter},
		{"invalid # not at end", "#/test", ErrInvalidTopicFilter},
		{"invalid # in middle", "test/#/more", ErrInvalidTopicFilter},
		{"contains null", "test\x00filter", ErrInvalidTopicFilter},
		{"invalid utf8", "test/\xff", ErrInvalidTopicFilter},
		{"too long", strings.Repeat("a", 65536), ErrInvalidTopicFilter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicFilter(tt.filter)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		// Exact matches
		{"test", "test", true},
		{"test/topic", "test/topic", true},
		{"a/b/c", "a/b/c", true},

		// Non-matches
		{"test", "other", false},
		{"test/topic", "test/other", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},

		// Single-level wildcard
		{"+", "test", true},
		{"test/+", "test/topic", true},
		{"+/topic", "test/topic", true},
		{"test/+/end", "test/middle/end", true},
		{"+/+/+", "a/b/c", true},
		{"+", "test/topic", false},
		{"test/+", "test", false},

		// Multi-level wildcard
		{"#", "test", true},
		{"#", "test/topic", true},
		{"#", "a/b/c/d/e", true},
		{"test/#", "test", true},
		{"test/#", "test/topic", true},
		{"test/#", "test/a/b/c", true},
		{"test/topic/#", "test/topic", true},
		{"test/topic/#", "test/topic/more", true},

		// Combined wildcards
		{"+/#", "test", true},
		{"+/#", "test/topic", true},
		{"+/+/#", "a/b/c/d", true},

		// System topics
		{"$SYS/test", "$SYS/test", true},
		{"#", "$SYS/test", false},      // # doesn't match $ at root
		{"+/test", "$SYS/test", false}, // + doesn't match $ at root
		{"$SYS/#", "$SYS/test", true},  // Explicit $SYS matches
		{"$SYS/+", "$SYS/test", true},  // Explicit $SYS matches

		// Empty levels
		{"a/+", "a/", true},
		{"+/+", "/finance", true},
		{"/+", "finance", false},
		{"a//b", "a//b", true},

		// Empty
		{"", "test", false},
		{"test", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"_"+tt.topic, func(t *testing.T) {
			result := TopicMatch(tt.filter, tt.topic)
			assert.Equal(t, tt.match, result)
		})
	}
}

func TestTopicHandlers(t *testing.T) {
	var calls []string
	record := func(name string) MessageHandler {
		return func(_ *Client, _ *Message) { calls = append(calls, name) }
	}

	var h topicHandlers
	h.set("sensors/+/temp", record("temp"))
	h.set("sensors/#", record("all"))
	h.set("alerts", record("alerts"))

	t.Run("matching order follows registration", func(t *testing.T) {
		calls = nil
		for _, handler := range h.match("sensors/kitchen/temp") {
			handler(nil, nil)
		}
		assert.Equal(t, []string{"temp", "all"}, calls)
	})

	t.Run("replace keeps position", func(t *testing.T) {
		h.set("sensors/+/temp", record("temp2"))
		calls = nil
		for _, handler := range h.match("sensors/kitchen/temp") {
			handler(nil, nil)
		}
		assert.Equal(t, []string{"temp2", "all"}, calls)
	})

	t.Run("remove", func(t *testing.T) {
		h.remove("sensors/#")
		assert.Len(t, h.match("sensors/kitchen/humidity"), 0)
		assert.Equal(t, []string{"sensors/+/temp", "alerts"}, h.filters())
	})

	t.Run("remove unknown filter", func(t *testing.T) {
		h.remove("nothing/here")
		assert.Len(t, h.filters(), 2)
	})
}
