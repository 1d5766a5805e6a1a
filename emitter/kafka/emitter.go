package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/3rs4lg4d0/memberbox/mbx"
	"github.com/3rs4lg4d0/memberbox/tracing"
	"github.com/3rs4lg4d0/memberbox/tracing/kafkatrace"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/3rs4lg4d0/memberbox/emitter/kafka"
	eventTypeHeader     = "eventType"
)

// kafkaProducer is the subset of *kafka.Producer used by the emitter.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer   kafkaProducer
	logger     mbx.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

var _ mbx.Emitter = (*Emitter)(nil)
var _ mbx.Loggable = (*Emitter)(nil)

type opt func(e *Emitter)

// WithTracerProvider sets the provider of the producer spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) opt {
	return func(e *Emitter) {
		if tp != nil {
			e.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithPropagator sets the propagator used to write the trace headers.
func WithPropagator(p propagation.TextMapPropagator) opt {
	return func(e *Emitter) {
		if p != nil {
			e.propagator = p
		}
	}
}

func New(p kafkaProducer, options ...opt) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("Producer is mandatory")
	}
	e := &Emitter{
		producer:   p,
		logger:     &mbx.NopLogger{},
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
		propagator: tracing.DefaultPropagator(),
	}
	for _, o := range options {
		o(e)
	}
	return e
}

func (e *Emitter) SetLogger(l mbx.Logger) {
	e.logger = l
}

// Send produces the event as a JSON message keyed by its payload, so that all
// the events of a member land on the same partition. The trace context of the
// producer span travels in the message headers.
func (e *Emitter) Send(ctx context.Context, topic string, ev mbx.Event) (<-chan mbx.Delivery, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("could not encode the event: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, topic+" send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("memberbox.event_type", ev.EventType),
		))

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(strconv.FormatInt(ev.Payload, 10)),
		Value:          value,
		Headers: []kafka.Header{
			{Key: eventTypeHeader, Value: []byte(ev.EventType)},
		},
	}
	kafkatrace.Inject(ctx, e.propagator, msg)

	internal := make(chan kafka.Event, 1)
	if err := e.producer.Produce(msg, internal); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	dc := make(chan mbx.Delivery, 1)
	go func() {
		defer span.End()
		for {
			select {
			case <-ctx.Done():
				span.SetStatus(codes.Error, ctx.Err().Error())
				return
			case ev := <-internal:
				m, ok := ev.(*kafka.Message)
				if !ok {
					e.logger.Debug(fmt.Sprintf("Ignored event: %s", ev))
					continue
				}
				d := toDelivery(m)
				if d.Error != nil {
					span.RecordError(d.Error)
					span.SetStatus(codes.Error, d.Error.Error())
				}
				dc <- d
				return
			}
		}
	}()

	return dc, nil
}

func toDelivery(m *kafka.Message) mbx.Delivery {
	var topic string
	if m.TopicPartition.Topic != nil {
		topic = *m.TopicPartition.Topic
	}
	return mbx.Delivery{
		Topic:     topic,
		Partition: m.TopicPartition.Partition,
		Offset:    int64(m.TopicPartition.Offset),
		Error:     m.TopicPartition.Error,
		Details: fmt.Sprintf("Delivered message to topic %s [%d] at offset %v",
			topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
	}
}
