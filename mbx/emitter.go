package mbx

import "context"

// Delivery contains the broker acknowledgment of a sent envelope.
type Delivery struct {
	Topic     string // destination topic
	Partition int32  // partition the message landed on
	Offset    int64  // offset assigned by the broker
	Error     error  // error during the delivery if any
	Details   string // more information about the delivery
}

// Emitter defines the contract for broker transports.
type Emitter interface {
	// Send hands the envelope to the broker and returns a channel that
	// receives exactly one Delivery once the broker answers.
	Send(ctx context.Context, topic string, e Event) (<-chan Delivery, error)
}
