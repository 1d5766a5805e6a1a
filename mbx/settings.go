package mbx

import (
	"time"
)

const (
	defaultMaxAttempts    int           = 3
	defaultRetryDelay     time.Duration = time.Second * 5
	defaultSweepInterval  time.Duration = time.Second * 30
	defaultSweepBatchSize int           = 100
	defaultSweepLimit     int           = -1
)

// Settings holds the general Memberbox module configuration.
type Settings struct {
	MaxAttempts    int           // total send attempts per publication
	RetryDelay     time.Duration // fixed delay between two send attempts
	EnableSweeper  bool          // enables the reconciliation sweeper for FAIL records
	SweepInterval  time.Duration // interval between two sweeps
	SweepBatchSize int           // maximum number of FAIL records per batch
	SweepLimit     int           // maximum number of FAIL records per sweep (-1 = unlimited)
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = defaultRetryDelay
	}
	if s.EnableSweeper {
		if s.SweepInterval <= 0 {
			s.SweepInterval = defaultSweepInterval
		}
		if s.SweepBatchSize <= 0 {
			s.SweepBatchSize = defaultSweepBatchSize
		}
		if s.SweepLimit == 0 || s.SweepLimit < -1 {
			s.SweepLimit = defaultSweepLimit
		}
	}
}
