package mbx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/memberbox/tracing"
	"github.com/google/uuid"
)

// errLockLost stops a sweep whose lock could not be extended.
var errLockLost = errors.New("the outbox lock is no longer held")

// Sweeper retries the records left in FAIL by previous publications. Only
// the instance holding the 'member_outbox_lock' row sweeps at a time.
type Sweeper struct {
	id         uuid.UUID
	settings   Settings
	topics     *Topics
	logger     Logger
	sender     *Sender
	repository Repository
	successCtr Counter
	errorCtr   Counter
}

// Start runs a sweep every Settings.SweepInterval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.settings.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug(fmt.Sprintf("sweeper '%s' stopped", s.id))
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce acquires the outbox lock and, if successful, republishes the FAIL
// records. It returns the number of records delivered.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	acquired, err := s.repository.AcquireLock(ctx, s.id)
	if err != nil {
		s.logger.Error("unable to get the lock", err)
		return 0
	}
	if !acquired {
		s.logger.Debug(fmt.Sprintf("sweeper '%s' did not get the lock", s.id))
		return 0
	}
	delivered, err := s.sweep(ctx)
	if errors.Is(err, errLockLost) {
		s.logger.Warn(fmt.Sprintf("sweeper '%s' lost the lock, the remaining records are left for the next sweep", s.id))
		return delivered
	}
	if err := s.repository.ReleaseLock(ctx, s.id); err != nil {
		s.logger.Error("releasing the outbox lock", err)
	}
	return delivered
}

// sweep scans the FAIL records within the limits defined by Settings.SweepLimit
// and republishes them in batches of Settings.SweepBatchSize. The lock is
// extended before every record, since a record still failing holds the sweep
// for (MaxAttempts-1) × RetryDelay.
func (s *Sweeper) sweep(ctx context.Context) (int, error) {
	var delivered, failed int

	err := s.repository.FindByStatusInBatches(ctx, StatusFail, s.settings.SweepBatchSize, s.settings.SweepLimit, func(batch []*OutboxRecord) error {
		s.logger.Debug(fmt.Sprintf("retrying %d failed outbox records", len(batch)))
		for _, r := range batch {
			if ok, err := s.repository.AcquireLock(ctx, s.id); err != nil || !ok {
				if err != nil {
					s.logger.Error("unable to extend the lock", err)
				}
				return errLockLost
			}
			if s.retry(ctx, r) {
				delivered++
			} else {
				failed++
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLockLost) {
		s.logger.Error("when trying to get failed outbox rows in batches", err)
	}

	s.logger.Info(fmt.Sprintf("%d failed outbox records were delivered again (%d still failing)", delivered, failed))
	return delivered, err
}

func (s *Sweeper) retry(ctx context.Context, r *OutboxRecord) bool {
	k := r.Key()
	if err := s.repository.UpdateStatus(ctx, k, StatusPending, nil); err != nil {
		s.logger.Error(fmt.Sprintf("moving %s back to %s", k, StatusPending), err)
		return false
	}

	topic := s.topics.Topic(r.EventType)
	_, err := s.sender.SendWithRetry(tracing.WithTraceID(ctx, r.TraceId), topic, r.Event())
	if err != nil {
		s.errorCtr.Inc(1)
		s.logger.Error(fmt.Sprintf("republishing %s to '%s'", k, topic), err)
		if err := s.repository.UpdateStatus(ctx, k, StatusFail, nil); err != nil {
			s.logger.Error(fmt.Sprintf("marking %s as %s", k, StatusFail), err)
		}
		return false
	}
	s.successCtr.Inc(1)
	return true
}
