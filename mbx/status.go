package mbx

import "fmt"

// Status represents the delivery state of an outbox record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusSuccess   Status = "SUCCESS"
	StatusFail      Status = "FAIL"
)

// ParseStatus validates and converts a raw status as stored in the outbox table.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusSuccess, StatusFail:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is an expected
// transition. FAIL and PROCESSED are not terminal: a retried flow may move a
// FAIL record back to PENDING and a redelivered message marks PROCESSED again.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next.IsValid()
	case StatusFail:
		return next.IsValid()
	case StatusProcessed:
		return next == StatusProcessed || next == StatusSuccess || next == StatusFail
	case StatusSuccess:
		return next == StatusSuccess || next == StatusProcessed
	default:
		return false
	}
}

// ValidateTransition checks a transition between two raw statuses.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrInvalidStatus, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrInvalidStatus, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s Status) String() string {
	return string(s)
}
