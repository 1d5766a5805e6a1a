package mbx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Memberbox wires the transactional outbox pipeline of the member backend.
type Memberbox struct {
	settings         Settings
	logger           Logger
	topics           *Topics
	repository       Repository
	emitter          Emitter
	successCtr       Counter
	errorCtr         Counter
	now              func() time.Time
	successOnPublish bool

	txm         *TxManager
	sender      *Sender
	coordinator *Coordinator
	sweeper     *Sweeper
}

// opt allows optional configuration.
type opt func(m *Memberbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(m *Memberbox) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for successful
// and failed publications.
func WithCounters(success Counter, failure Counter) opt {
	return func(m *Memberbox) {
		if success != nil {
			m.successCtr = success
		}
		if failure != nil {
			m.errorCtr = failure
		}
	}
}

// WithTopics replaces the default event type to topic table.
func WithTopics(t *Topics) opt {
	return func(m *Memberbox) {
		if t != nil {
			m.topics = t
		}
	}
}

// WithClock replaces the clock used to stamp processedAt.
func WithClock(now func() time.Time) opt {
	return func(m *Memberbox) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSuccessOnPublish marks records as SUCCESS once the broker acknowledges
// the publication instead of keeping them PENDING until the internal consumer
// marks them PROCESSED.
func WithSuccessOnPublish() opt {
	return func(m *Memberbox) {
		m.successOnPublish = true
	}
}

// New creates an instance of Memberbox using the provided settings and
// options and the provided Repository and Emitter implementations.
func New(s Settings, r Repository, e Emitter, options ...opt) *Memberbox {
	if e == nil || r == nil {
		panic("you must provide an emitter and a repository")
	}
	validateSettings(&s)

	m := &Memberbox{
		settings:   s,
		logger:     &NopLogger{},
		topics:     NewTopics(nil),
		repository: r,
		emitter:    e,
		successCtr: &NopCounter{},
		errorCtr:   &NopCounter{},
		now:        time.Now,
	}
	for _, o := range options {
		o(m)
	}

	shareLogger(m.logger, e, r)

	m.sender = NewSender(e, s)
	m.sender.SetLogger(m.logger)

	m.coordinator = NewCoordinator(m.topics, r, m.sender)
	m.coordinator.logger = m.logger
	m.coordinator.successCtr = m.successCtr
	m.coordinator.errorCtr = m.errorCtr
	m.coordinator.now = m.now
	m.coordinator.successOnPublish = m.successOnPublish

	m.txm = NewTxManager(r, m.coordinator)
	m.txm.SetLogger(m.logger)

	if s.EnableSweeper {
		m.sweeper = &Sweeper{
			id:         uuid.New(),
			settings:   s,
			topics:     m.topics,
			logger:     m.logger,
			sender:     m.sender,
			repository: r,
			successCtr: m.successCtr,
			errorCtr:   m.errorCtr,
		}
	}

	return m
}

// Start launches the reconciliation sweeper when enabled. It returns
// immediately.
func (m *Memberbox) Start(ctx context.Context) {
	if m.sweeper == nil {
		return
	}
	m.logger.Debug("the reconciliation sweeper is enabled")
	go m.sweeper.Start(ctx)
}

// Do runs fn inside a business transaction. Events published within it are
// recorded in the outbox before commit and sent to the broker after commit.
func (m *Memberbox) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.txm.Do(ctx, fn)
}

// Publish publishes a domain event reliably within the business transaction
// carried by ctx.
func (m *Memberbox) Publish(ctx context.Context, e Event) error {
	return m.txm.Publish(ctx, e)
}

// MarkSuccess confirms the outcome of an event (e.g. after a downstream call
// that depends on it succeeded).
func (m *Memberbox) MarkSuccess(ctx context.Context, e Event) error {
	return m.coordinator.MarkSuccess(ctx, e)
}

// MarkFailed reports that the outcome of an event failed.
func (m *Memberbox) MarkFailed(ctx context.Context, e Event) error {
	return m.coordinator.MarkFailed(ctx, e)
}

// MarkProcessed marks the event record as PROCESSED. Used by the internal
// status consumer.
func (m *Memberbox) MarkProcessed(ctx context.Context, e Event) error {
	return m.coordinator.MarkProcessed(ctx, e)
}

// Topics returns the event type to topic table in use.
func (m *Memberbox) Topics() *Topics {
	return m.topics
}

// Sweeper returns the reconciliation sweeper or nil when it is disabled.
func (m *Memberbox) Sweeper() *Sweeper {
	return m.sweeper
}
