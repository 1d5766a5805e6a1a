package test

import (
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

// TestLogger records every message it receives.
type TestLogger struct {
	mu       sync.Mutex
	Messages []string
	Errors   []error
}

func (l *TestLogger) Debug(msg string) { l.add(msg, nil) }

func (l *TestLogger) Info(msg string) { l.add(msg, nil) }

func (l *TestLogger) Warn(msg string) { l.add(msg, nil) }

func (l *TestLogger) Error(msg string, err error) { l.add(msg, err) }

func (l *TestLogger) add(msg string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, msg)
	if err != nil {
		l.Errors = append(l.Errors, err)
	}
}

type TestCounter struct {
	mu  sync.Mutex
	Ctr int64
}

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ctr += delta
}

func (c *TestCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Ctr
}

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend

	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MockedKafkaConsumer serves a predefined list of messages and records the
// commits and seeks it receives.
type MockedKafkaConsumer struct {
	mu         sync.Mutex
	Messages   []*kafka.Message
	Subscribed []string
	Committed  []*kafka.Message
	Seeks      []kafka.TopicPartition
	Closed     bool
	CommitErr  error
	ReadErr    error
}

func (c *MockedKafkaConsumer) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Subscribed = append(c.Subscribed, topics...)
	return nil
}

func (c *MockedKafkaConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	c.mu.Lock()
	if c.ReadErr != nil {
		err := c.ReadErr
		c.ReadErr = nil
		c.mu.Unlock()
		return nil, err
	}
	if len(c.Messages) == 0 {
		c.mu.Unlock()
		time.Sleep(timeout)
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	msg := c.Messages[0]
	c.Messages = c.Messages[1:]
	c.mu.Unlock()
	return msg, nil
}

func (c *MockedKafkaConsumer) CommitMessage(msg *kafka.Message) ([]kafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CommitErr != nil {
		return nil, c.CommitErr
	}
	c.Committed = append(c.Committed, msg)
	return []kafka.TopicPartition{msg.TopicPartition}, nil
}

func (c *MockedKafkaConsumer) Seek(partition kafka.TopicPartition, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Seeks = append(c.Seeks, partition)
	return nil
}

func (c *MockedKafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// CommittedCount returns the number of committed messages.
func (c *MockedKafkaConsumer) CommittedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Committed)
}
