package mbx

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/memberbox/tracing"
)

// Coordinator bridges the host transaction lifecycle to the outbox table and
// the broker. The outbox record is written before commit, so it shares the
// fate of the domain change; the broker is only contacted after commit, so
// the domain transaction never observes publish failures.
type Coordinator struct {
	topics           *Topics
	repository       Repository
	sender           *Sender
	logger           Logger
	successCtr       Counter
	errorCtr         Counter
	now              func() time.Time
	successOnPublish bool
}

var _ TxObserver = (*Coordinator)(nil)

// NewCoordinator creates a Coordinator with no-op logger and counters.
func NewCoordinator(t *Topics, r Repository, s *Sender) *Coordinator {
	if t == nil || r == nil || s == nil {
		panic("you must provide the topics, a repository and a sender")
	}
	return &Coordinator{
		topics:     t,
		repository: r,
		sender:     s,
		logger:     &NopLogger{},
		successCtr: &NopCounter{},
		errorCtr:   &NopCounter{},
		now:        time.Now,
	}
}

// BeforeCommit records the event as PENDING inside the open transaction
// carried by ctx, together with the active trace id.
func (c *Coordinator) BeforeCommit(ctx context.Context, e Event) error {
	topic := c.topics.Topic(e.EventType)
	r := &OutboxRecord{
		EventType: e.EventType,
		Payload:   e.Payload,
		TraceId:   tracing.TraceID(ctx),
		Status:    StatusPending,
	}
	if err := c.repository.Save(ctx, r); err != nil {
		return fmt.Errorf("could not record %s for topic '%s': %w", e, topic, err)
	}
	c.logger.Debug(fmt.Sprintf("outbox record %d created for %s (topic '%s', trace '%s')", r.Id, e, topic, r.TraceId))
	return nil
}

// AfterCommit publishes the event with retry. Failures are recorded on the
// outbox record and never returned: the domain change is already committed.
func (c *Coordinator) AfterCommit(ctx context.Context, e Event) {
	ctx = context.WithoutCancel(ctx)
	topic := c.topics.Topic(e.EventType)

	d, err := c.sender.SendWithRetry(ctx, topic, e)
	if err != nil {
		c.errorCtr.Inc(1)
		c.logger.Error(fmt.Sprintf("publishing %s to '%s'", e, topic), err)
		if err := c.transition(ctx, e.Key(), StatusFail, nil); err != nil {
			c.logger.Error(fmt.Sprintf("marking %s as %s", e, StatusFail), err)
		}
		return
	}

	c.successCtr.Inc(1)
	c.logger.Debug(d.Details)
	if c.successOnPublish {
		if err := c.transition(ctx, e.Key(), StatusSuccess, nil); err != nil {
			c.logger.Error(fmt.Sprintf("marking %s as %s", e, StatusSuccess), err)
		}
		return
	}
	if err := c.reconfirm(ctx, e.Key()); err != nil {
		c.logger.Error(fmt.Sprintf("marking %s as %s", e, StatusPending), err)
	}
}

// MarkSuccess confirms the outcome of the event from the application side.
func (c *Coordinator) MarkSuccess(ctx context.Context, e Event) error {
	return c.transition(ctx, e.Key(), StatusSuccess, nil)
}

// MarkFailed reports a failed outcome of the event from the application side.
func (c *Coordinator) MarkFailed(ctx context.Context, e Event) error {
	return c.transition(ctx, e.Key(), StatusFail, nil)
}

// MarkProcessed closes the loop once the broker has delivered the event back
// to this service. Calling it again only refreshes processedAt.
func (c *Coordinator) MarkProcessed(ctx context.Context, e Event) error {
	now := c.now()
	return c.transition(ctx, e.Key(), StatusProcessed, &now)
}

// transition writes next whatever the current status is. Moves the state
// machine does not expect are only logged: concurrent writers on the same key
// resolve by last write.
func (c *Coordinator) transition(ctx context.Context, k Key, next Status, processedAt *time.Time) error {
	r, err := c.repository.FindByKey(ctx, k)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", k, err)
	}
	if err := ValidateTransition(r.Status, next); err != nil {
		c.logger.Warn(fmt.Sprintf("%v for %s", err, k))
	}
	return c.update(ctx, k, next, processedAt)
}

// reconfirm moves the record back to PENDING after a successful publication,
// unless the status consumer already got further (PROCESSED is never undone
// by a late delivery report).
func (c *Coordinator) reconfirm(ctx context.Context, k Key) error {
	r, err := c.repository.FindByKey(ctx, k)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", k, err)
	}
	if !r.Status.CanTransitionTo(StatusPending) {
		c.logger.Debug(fmt.Sprintf("%s is already %s, not reconfirmed", k, r.Status))
		return nil
	}
	return c.update(ctx, k, StatusPending, nil)
}

func (c *Coordinator) update(ctx context.Context, k Key, next Status, processedAt *time.Time) error {
	if err := c.repository.UpdateStatus(ctx, k, next, processedAt); err != nil {
		return fmt.Errorf("updating %s to %s: %w", k, next, err)
	}
	return nil
}
