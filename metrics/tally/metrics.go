package tally

import (
	"github.com/3rs4lg4d0/memberbox/mbx"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ mbx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// Counters groups the outbox counters registered under the 'memberbox'
// sub scope.
type Counters struct {
	Published     *Counter // envelopes acknowledged by the broker
	PublishFailed *Counter // envelopes marked FAIL after the last attempt
	Processed     *Counter // messages marked PROCESSED by the internal consumer
	Rejected      *Counter // messages the internal consumer could not mark
}

func NewCounters(scope tally.Scope) Counters {
	s := scope.SubScope("memberbox")
	return Counters{
		Published:     &Counter{Counter: s.Counter("outbox_published")},
		PublishFailed: &Counter{Counter: s.Counter("outbox_publish_failed")},
		Processed:     &Counter{Counter: s.Counter("outbox_processed")},
		Rejected:      &Counter{Counter: s.Counter("outbox_rejected")},
	}
}
