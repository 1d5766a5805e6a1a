package kafkatrace

import (
	"context"

	"github.com/3rs4lg4d0/memberbox/tracing"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.opentelemetry.io/otel/propagation"
)

// SetHeader replaces or appends a header of the message.
func SetHeader(msg *kafka.Message, key string, value string) {
	for i := range msg.Headers {
		if msg.Headers[i].Key == key {
			msg.Headers[i].Value = []byte(value)
			return
		}
	}
	msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

// GetHeader returns the last value of a message header or "".
func GetHeader(msg *kafka.Message, key string) string {
	var value string
	for _, h := range msg.Headers {
		if h.Key == key {
			value = string(h.Value)
		}
	}
	return value
}

// Inject writes the span context of ctx into the message headers.
func Inject(ctx context.Context, p propagation.TextMapPropagator, msg *kafka.Message) {
	tracing.Inject(ctx, p, msg, SetHeader)
}

// Extract reads the span context carried by the message headers.
func Extract(ctx context.Context, p propagation.TextMapPropagator, msg *kafka.Message) context.Context {
	return tracing.Extract(ctx, p, msg, GetHeader)
}
