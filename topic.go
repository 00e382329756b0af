package mqttsession

import (
	"errors"
	"strings"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = "/"
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
)

// ValidateTopicName checks a topic name used for publishing: non-empty, at
// most 65535 bytes, a valid MQTT string and free of wildcards.
func ValidateTopicName(topic string) error {
	switch {
	case topic == "":
		return ErrEmptyTopic
	case len(topic) > maxUint16, checkString(topic) != nil:
		return ErrInvalidTopicName
	case strings.ContainsAny(topic, singleLevelWildcard+multiLevelWildcard):
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a topic filter used for subscribing. A wildcard
// must fill its whole level, and '#' may only be the last level.
func ValidateTopicFilter(filter string) error {
	switch {
	case filter == "":
		return ErrEmptyTopic
	case len(filter) > maxUint16, checkString(filter) != nil:
		return ErrInvalidTopicFilter
	}

	rest := filter
	for {
		level, next, more := strings.Cut(rest, topicSeparator)
		if level != singleLevelWildcard && strings.Contains(level, singleLevelWildcard) {
			return ErrInvalidTopicFilter
		}
		if strings.Contains(level, multiLevelWildcard) && (level != multiLevelWildcard || more) {
			return ErrInvalidTopicFilter
		}
		if !more {
			return nil
		}
		rest = next
	}
}

// TopicMatch reports whether topic matches filter. Topics starting with '$'
// are not matched by a wildcard in the first level.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	for {
		flevel, frest, fmore := strings.Cut(filter, topicSeparator)
		if flevel == multiLevelWildcard {
			return true
		}

		tlevel, trest, tmore := strings.Cut(topic, topicSeparator)
		if flevel != singleLevelWildcard && flevel != tlevel {
			return false
		}

		if !fmore || !tmore {
			// "a/#" also matches the parent level "a"
			return fmore == tmore || frest == multiLevelWildcard
		}
		filter, topic = frest, trest
	}
}

// handlerEntry binds a topic filter to the handler registered with Subscribe.
type handlerEntry struct {
	filter  string
	handler MessageHandler
}

// topicHandlers holds per-subscription message handlers.
// Lookups are linear: a session rarely carries more than a few dozen filters.
type topicHandlers struct {
	entries []handlerEntry
}

// set registers or replaces the handler for filter.
func (h *topicHandlers) set(filter string, handler MessageHandler) {
	for i := range h.entries {
		if h.entries[i].filter == filter {
			h.entries[i].handler = handler
			return
		}
	}
	h.entries = append(h.entries, handlerEntry{filter: filter, handler: handler})
}

// remove drops the handler for filter.
func (h *topicHandlers) remove(filter string) {
	for i := range h.entries {
		if h.entries[i].filter == filter {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return
		}
	}
}

// match returns the handlers whose filter matches topic, in registration order.
func (h *topicHandlers) match(topic string) []MessageHandler {
	var out []MessageHandler
	for _, e := range h.entries {
		if e.handler != nil && TopicMatch(e.filter, topic) {
			out = append(out, e.handler)
		}
	}
	return out
}

// filters returns the registered topic filters.
func (h *topicHandlers) filters() []string {
	out := make([]string, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e.filter)
	}
	return out
}
