package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/memberbox/mbx"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	outboxColumns                = "id, event_type, payload, trace_id, status, processed_at, created_at"
	getOutboxLockRowSql          = "SELECT * FROM member_outbox_lock WHERE id=1"
	insertOutboxSql              = "INSERT INTO member_outbox (event_type, payload, trace_id, status) VALUES (?, ?, ?, ?) RETURNING id, created_at"
	findByKeySql                 = "SELECT " + outboxColumns + " FROM member_outbox WHERE payload=? AND event_type=? ORDER BY id DESC LIMIT 1"
	updateStatusSql              = "UPDATE member_outbox SET status=?, processed_at=COALESCE(?, processed_at) WHERE id=(SELECT id FROM member_outbox WHERE payload=? AND event_type=? ORDER BY id DESC LIMIT 1)"
	getOutboxEntriesSql          = "SELECT " + outboxColumns + " FROM member_outbox WHERE status=? ORDER BY id ASC"
	getOutboxEntriesWithLimitSql = "SELECT " + outboxColumns + " FROM member_outbox WHERE status=? ORDER BY id ASC LIMIT ?"
	acquireLockSql               = "UPDATE member_outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	releaseLockSql               = "UPDATE member_outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1"
)

type Repository struct {
	txKey  mbx.TxKey
	db     *gorm.DB
	logger mbx.Logger
}

var _ mbx.Loggable = (*Repository)(nil)
var _ mbx.Repository = (*Repository)(nil)

func New(txKey mbx.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &mbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l mbx.Logger) {
	r.logger = l
}

// Begin starts a gorm transaction and stores the transactional *gorm.DB in
// the returned context.
func (r *Repository) Begin(ctx context.Context) (context.Context, mbx.Tx, error) {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return ctx, nil, tx.Error
	}
	return context.WithValue(ctx, r.txKey, tx), gormTx{db: tx}, nil
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, o *mbx.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return fmt.Errorf("a *gorm.DB transaction was expected: %w", mbx.ErrTxExpected)
	}
	var inserted insertedRow
	err := tx.WithContext(ctx).Raw(insertOutboxSql, o.EventType, o.Payload, o.TraceId, string(o.Status)).Scan(&inserted).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}
	o.Id = inserted.ID
	o.CreatedAt = inserted.CreatedAt

	return nil
}

// FindByKey returns the latest outbox record for the key.
func (r *Repository) FindByKey(ctx context.Context, k mbx.Key) (*mbx.OutboxRecord, error) {
	var row outboxRow
	res := r.conn(ctx).Raw(findByKeySql, k.Payload, k.EventType).Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%s: %w", k, mbx.ErrRecordNotFound)
	}
	return row.record()
}

// UpdateStatus updates the status of the latest outbox record for the key.
func (r *Repository) UpdateStatus(ctx context.Context, k mbx.Key, s mbx.Status, processedAt *time.Time) error {
	var pa sql.NullTime
	if processedAt != nil {
		pa = sql.NullTime{Time: *processedAt, Valid: true}
	}
	res := r.conn(ctx).Exec(updateStatusSql, string(s), pa, k.Payload, k.EventType)
	if res.Error != nil {
		return fmt.Errorf("could not update the outbox record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", k, mbx.ErrRecordNotFound)
	}
	return nil
}

// FindByStatusInBatches retrieves a limited list of outbox entries in the
// given status to be processed in batches.
func (r *Repository) FindByStatusInBatches(ctx context.Context, s mbx.Status, batchSize int, limit int, fc func([]*mbx.OutboxRecord) error) error {
	var rows *sql.Rows
	var err error
	db := r.db.WithContext(ctx)
	if limit == -1 {
		rows, err = db.Raw(getOutboxEntriesSql, string(s)).Rows()
	} else {
		rows, err = db.Raw(getOutboxEntriesWithLimitSql, string(s), limit).Rows()
	}
	if err != nil {
		return err
	}
	defer rows.Close()

	var ors []*mbx.OutboxRecord
	for rows.Next() {
		var row outboxRow
		if err := db.ScanRows(rows, &row); err != nil {
			return err
		}
		or, err := row.record()
		if err != nil {
			return err
		}
		ors = append(ors, or)
		if len(ors) == batchSize {
			if err := fc(ors); err != nil {
				return err
			}
			ors = nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ors) > 0 {
		if err := fc(ors); err != nil {
			return err
		}
	}

	return nil
}

// AcquireLock obtains a table lock on the 'member_outbox' table by employing a
// database lock strategy through the use of the auxiliary table 'member_outbox_lock'.
// A call by the current owner extends the lock for another LockMaxDuration.
func (r *Repository) AcquireLock(ctx context.Context, owner uuid.UUID) (bool, error) {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return false, err
	}
	if lock.Locked && lock.LockedUntil.Time.After(time.Now()) && lock.LockedBy.UUID != owner {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(mbx.LockMaxDuration)
	res := r.db.WithContext(ctx).Exec(acquireLockSql, owner, lockedAt, lockedUntil, lock.Version+1, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}

	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", owner.String()))
	return true, nil
}

// ReleaseLock releases the table lock on the 'member_outbox' table that was
// acquired by the specified owner.
func (r *Repository) ReleaseLock(ctx context.Context, owner uuid.UUID) error {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return err
	}
	if !lock.Locked || lock.LockedBy.UUID != owner {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, owner)
	}
	err = r.db.WithContext(ctx).Exec(releaseLockSql).Error
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", owner.String()))
	return nil
}

// conn joins the transaction in ctx when there is one.
func (r *Repository) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// getOutboxLockRow returns the only 'member_outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	var lock outboxLock
	result := r.db.WithContext(ctx).Raw(getOutboxLockRowSql).Scan(&lock)
	if result.Error != nil {
		return nil, result.Error
	}
	return &lock, nil
}
