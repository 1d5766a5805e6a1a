package mbx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	LockMaxDuration = time.Second * 15 // max duration of a table lock on 'member_outbox_lock'
)

type TxKey any

// Tx is a host transaction as seen by the TxManager.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transactor opens host transactions. The returned context carries the
// driver specific transaction so that repositories can join it.
type Transactor interface {
	Begin(ctx context.Context) (context.Context, Tx, error)
}

// Repository manages outbox records persistent operations.
type Repository interface {
	Transactor

	// Save persists a new outbox record and assigns its Id. This operation
	// must be called inside an existing business transaction provided in the
	// context.
	Save(ctx context.Context, r *OutboxRecord) error

	// FindByKey returns the latest record for the key or ErrRecordNotFound.
	FindByKey(ctx context.Context, k Key) (*OutboxRecord, error)

	// UpdateStatus sets the status of the latest record for the key. A nil
	// processedAt keeps the stored value. Returns ErrRecordNotFound when no
	// record matches.
	UpdateStatus(ctx context.Context, k Key, s Status, processedAt *time.Time) error

	// FindByStatusInBatches retrieves the records in the given status to be
	// processed in batches (limit -1 = unlimited).
	FindByStatusInBatches(ctx context.Context, s Status, batchSize int, limit int, fc func([]*OutboxRecord) error) error

	// AcquireLock gets a lock on the outbox table using optimistic locking.
	AcquireLock(ctx context.Context, owner uuid.UUID) (bool, error)

	// ReleaseLock releases a lock on the outbox table.
	ReleaseLock(ctx context.Context, owner uuid.UUID) error
}
