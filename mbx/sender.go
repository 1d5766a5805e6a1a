package mbx

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sender delivers envelopes through an Emitter, waiting for the broker
// acknowledgment and retrying with a fixed interval.
type Sender struct {
	emitter     Emitter
	maxAttempts int
	delay       time.Duration
	logger      Logger
}

// NewSender creates a Sender using the retry policy of the settings.
func NewSender(e Emitter, s Settings) *Sender {
	if e == nil {
		panic("you must provide an emitter")
	}
	validateSettings(&s)
	return &Sender{
		emitter:     e,
		maxAttempts: s.MaxAttempts,
		delay:       s.RetryDelay,
		logger:      &NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Sender) SetLogger(l Logger) {
	s.logger = l
}

// Send performs a single delivery attempt and blocks until the broker answers.
func (s *Sender) Send(ctx context.Context, topic string, e Event) (Delivery, error) {
	dc, err := s.emitter.Send(ctx, topic, e)
	if err != nil {
		return Delivery{}, err
	}
	select {
	case d := <-dc:
		if d.Error != nil {
			return d, d.Error
		}
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// SendWithRetry calls Send up to the configured number of attempts with a
// fixed delay between them. Once exhausted it returns a *DeliveryError.
func (s *Sender) SendWithRetry(ctx context.Context, topic string, e Event) (Delivery, error) {
	var d Delivery
	attempts := 0
	op := func() error {
		attempts++
		var err error
		d, err = s.Send(ctx, topic, e)
		if err != nil {
			s.logger.Warn(fmt.Sprintf("attempt %d/%d sending %s to '%s' failed: %v", attempts, s.maxAttempts, e, topic, err))
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.delay), uint64(s.maxAttempts-1)),
		ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return Delivery{}, &DeliveryError{Topic: topic, Attempts: attempts, Err: err}
	}
	return d, nil
}
