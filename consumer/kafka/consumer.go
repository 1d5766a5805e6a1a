// Package kafka closes the publish loop: it reads back the outbox messages
// this service produced and marks their records PROCESSED.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

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
	instrumentationName = "github.com/3rs4lg4d0/memberbox/consumer/kafka"
	defaultPollTimeout  = 500 * time.Millisecond
)

// ErrUndecodable is returned for messages whose body is not an event.
var ErrUndecodable = errors.New("undecodable outbox message")

// kafkaConsumer is the subset of *kafka.Consumer used here. The consumer is
// expected to run with 'enable.auto.commit=false'.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
	Close() error
}

// StatusMarker moves the outbox record of an event to PROCESSED.
type StatusMarker interface {
	MarkProcessed(ctx context.Context, e mbx.Event) error
}

type Consumer struct {
	consumer     kafkaConsumer
	marker       StatusMarker
	topics       []string
	pollTimeout  time.Duration
	logger       mbx.Logger
	tracer       trace.Tracer
	propagator   propagation.TextMapPropagator
	processedCtr mbx.Counter
	errorCtr     mbx.Counter
}

var _ mbx.Loggable = (*Consumer)(nil)

type opt func(c *Consumer)

func WithTracerProvider(tp trace.TracerProvider) opt {
	return func(c *Consumer) {
		if tp != nil {
			c.tracer = tp.Tracer(instrumentationName)
		}
	}
}

func WithPropagator(p propagation.TextMapPropagator) opt {
	return func(c *Consumer) {
		if p != nil {
			c.propagator = p
		}
	}
}

func WithPollTimeout(d time.Duration) opt {
	return func(c *Consumer) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithCounters sets the counters of processed and rejected messages.
func WithCounters(processed mbx.Counter, failure mbx.Counter) opt {
	return func(c *Consumer) {
		if processed != nil {
			c.processedCtr = processed
		}
		if failure != nil {
			c.errorCtr = failure
		}
	}
}

func New(kc kafkaConsumer, m StatusMarker, topics []string, options ...opt) *Consumer {
	if kc == nil || reflect.ValueOf(kc).IsNil() {
		panic("Consumer is mandatory")
	}
	if m == nil {
		panic("StatusMarker is mandatory")
	}
	if len(topics) == 0 {
		panic("at least one topic is mandatory")
	}
	c := &Consumer{
		consumer:     kc,
		marker:       m,
		topics:       topics,
		pollTimeout:  defaultPollTimeout,
		logger:       &mbx.NopLogger{},
		tracer:       otel.GetTracerProvider().Tracer(instrumentationName),
		propagator:   tracing.DefaultPropagator(),
		processedCtr: &mbx.NopCounter{},
		errorCtr:     &mbx.NopCounter{},
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Consumer) SetLogger(l mbx.Logger) {
	c.logger = l
}

// Run subscribes to the outbox topics and handles messages until ctx is
// done. The underlying consumer is closed on return.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.consumer.SubscribeTopics(c.topics, nil); err != nil {
		return fmt.Errorf("could not subscribe to %v: %w", c.topics, err)
	}
	defer func() {
		if err := c.consumer.Close(); err != nil {
			c.logger.Error("could not close the consumer", err)
		}
	}()
	c.logger.Info(fmt.Sprintf("consuming outbox topics %v", c.topics))

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := c.consumer.ReadMessage(c.pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				if kerr.IsFatal() {
					return err
				}
			}
			c.logger.Error("could not read a message", err)
			continue
		}
		if err := c.HandleMessage(ctx, msg); err != nil {
			c.logger.Error(fmt.Sprintf("message at %s not acknowledged", msg.TopicPartition), err)
		}
	}
}

// HandleMessage marks the record of the message PROCESSED and commits its
// offset. When the body cannot be decoded or marking fails the offset is not
// committed and the consumer is rewound to the message, so it is delivered
// again.
func (c *Consumer) HandleMessage(ctx context.Context, msg *kafka.Message) error {
	var topic string
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}
	ctx = kafkatrace.Extract(ctx, c.propagator, msg)
	ctx, span := c.tracer.Start(ctx, topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.source.name", topic),
			attribute.Int64("messaging.kafka.message.offset", int64(msg.TopicPartition.Offset)),
		))
	defer span.End()

	var e mbx.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil || e.EventType == "" {
		if err == nil {
			err = errors.New("missing event type")
		}
		err = fmt.Errorf("%w: %v", ErrUndecodable, err)
		c.fail(span, err)
		c.rewind(msg)
		return err
	}
	span.SetAttributes(attribute.String("memberbox.event", e.String()))

	if err := c.marker.MarkProcessed(ctx, e); err != nil {
		c.fail(span, err)
		c.rewind(msg)
		return fmt.Errorf("could not mark %s as processed: %w", e, err)
	}

	if _, err := c.consumer.CommitMessage(msg); err != nil {
		err = fmt.Errorf("could not commit the offset: %w", err)
		c.fail(span, err)
		return err
	}
	c.processedCtr.Inc(1)
	c.logger.Debug(fmt.Sprintf("%s marked as processed", e))
	return nil
}

// rewind leaves msg unacknowledged and moves the consumer back to it.
func (c *Consumer) rewind(msg *kafka.Message) {
	if err := c.consumer.Seek(msg.TopicPartition, 0); err != nil {
		c.logger.Error("could not rewind the consumer", err)
	}
}

func (c *Consumer) fail(span trace.Span, err error) {
	c.errorCtr.Inc(1)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
