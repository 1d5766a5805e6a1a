package mbx

import (
	"strings"

	"github.com/iancoleman/strcase"
)

// DefaultTopic receives every event type without an explicit mapping.
const DefaultTopic = "default-topic"

// Topics is the static event type to topic table.
type Topics struct {
	table map[string]string
}

// NewTopics builds the table for the known member event types. Extra entries
// are added on top and may override the derived names.
func NewTopics(extra map[string]string) *Topics {
	t := &Topics{table: map[string]string{}}
	for _, eventType := range []string{MemberCreated, MemberNicknameChanged, MemberDeleted} {
		t.table[eventType] = BuildTopicName(eventType)
	}
	for eventType, topic := range extra {
		t.table[eventType] = topic
	}
	return t
}

// Topic resolves the destination topic of an event type. Unknown types go to
// DefaultTopic.
func (t *Topics) Topic(eventType string) string {
	if topic, ok := t.table[eventType]; ok {
		return topic
	}
	return DefaultTopic
}

// All returns every distinct topic of the table, default topic included.
func (t *Topics) All() []string {
	seen := map[string]bool{DefaultTopic: true}
	all := []string{DefaultTopic}
	for _, topic := range t.table {
		if !seen[topic] {
			seen[topic] = true
			all = append(all, topic)
		}
	}
	return all
}

// BuildTopicName builds a topic name from an event type (e.g. if
// eventType="MemberCreatedOutboxEvent" then topic name is "member-created-outbox").
func BuildTopicName(eventType string) string {
	return strcase.ToKebab(strings.TrimSuffix(eventType, "Event"))
}
