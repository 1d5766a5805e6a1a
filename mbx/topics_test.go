package mbx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopic(t *testing.T) {
	topics := NewTopics(map[string]string{"AuditOutboxEvent": "audit"})
	testcases := []struct {
		name      string
		eventType string
		want      string
	}{
		{name: "member created", eventType: MemberCreated, want: "member-created-outbox"},
		{name: "nickname changed", eventType: MemberNicknameChanged, want: "member-nickname-changed-outbox"},
		{name: "member deleted", eventType: MemberDeleted, want: "member-deleted-outbox"},
		{name: "explicit entry", eventType: "AuditOutboxEvent", want: "audit"},
		{name: "unknown type falls back to the default topic", eventType: "SomethingElse", want: DefaultTopic},
		{name: "empty type falls back to the default topic", eventType: "", want: "default-topic"},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, topics.Topic(tc.eventType))
		})
	}
}

func TestTopicsOverride(t *testing.T) {
	topics := NewTopics(map[string]string{MemberCreated: "members"})
	assert.Equal(t, "members", topics.Topic(MemberCreated))
	assert.ElementsMatch(t, []string{DefaultTopic, "members", "member-nickname-changed-outbox", "member-deleted-outbox"}, topics.All())
}
