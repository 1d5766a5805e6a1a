package mbx

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound    = errors.New("outbox record not found")
	ErrNoTransaction     = errors.New("no transaction in progress")
	ErrTxExpected        = errors.New("a transaction was expected in the context")
	ErrDeliveryFailed    = errors.New("outbox event delivery failed")
	ErrInvalidStatus     = errors.New("invalid outbox status")
	ErrInvalidTransition = errors.New("invalid outbox status transition")
)

// DeliveryError is returned by SendWithRetry once every attempt has failed.
type DeliveryError struct {
	Topic    string
	Attempts int
	Err      error // last cause
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to topic '%s' failed after %d attempts: %v", e.Topic, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailed, e.Err}
}
