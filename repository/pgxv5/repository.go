package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/memberbox/mbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

const (
	outboxColumns                = "id, event_type, payload, trace_id, status, processed_at, created_at"
	getOutboxLockRowSql          = "SELECT * FROM member_outbox_lock WHERE id=1"
	insertOutboxSql              = "INSERT INTO member_outbox (event_type, payload, trace_id, status) VALUES ($1, $2, $3, $4) RETURNING id, created_at"
	findByKeySql                 = "SELECT " + outboxColumns + " FROM member_outbox WHERE payload=$1 AND event_type=$2 ORDER BY id DESC LIMIT 1"
	updateStatusSql              = "UPDATE member_outbox SET status=$1, processed_at=COALESCE($2, processed_at) WHERE id=(SELECT id FROM member_outbox WHERE payload=$3 AND event_type=$4 ORDER BY id DESC LIMIT 1)"
	getOutboxEntriesSql          = "SELECT " + outboxColumns + " FROM member_outbox WHERE status=$1 ORDER BY id ASC"
	getOutboxEntriesWithLimitSql = "SELECT " + outboxColumns + " FROM member_outbox WHERE status=$1 ORDER BY id ASC LIMIT $2"
	acquireLockSql               = "UPDATE member_outbox_lock SET locked=true, locked_by=$1, locked_at=$2, locked_until=$3, version=$4 WHERE id=1 AND version=$5"
	releaseLockSql               = "UPDATE member_outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1"
)

// querier is the subset shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Repository struct {
	txKey  mbx.TxKey
	db     dbpool
	logger mbx.Logger
}

var _ mbx.Loggable = (*Repository)(nil)
var _ mbx.Repository = (*Repository)(nil)

func New(txKey mbx.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &mbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l mbx.Logger) {
	r.logger = l
}

// Begin opens a pgx transaction and stores it in the returned context under
// the repository txKey.
func (r *Repository) Begin(ctx context.Context) (context.Context, mbx.Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, r.txKey, tx), tx, nil
}

// Save persists an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, o *mbx.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return fmt.Errorf("a pgx.Tx transaction was expected: %w", mbx.ErrTxExpected)
	}
	err := tx.QueryRow(ctx, insertOutboxSql, o.EventType, o.Payload, o.TraceId, string(o.Status)).Scan(&o.Id, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FindByKey returns the latest outbox record for the key.
func (r *Repository) FindByKey(ctx context.Context, k mbx.Key) (*mbx.OutboxRecord, error) {
	o, err := scanRecord(r.querier(ctx).QueryRow(ctx, findByKeySql, k.Payload, k.EventType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", k, mbx.ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateStatus updates the status of the latest outbox record for the key.
func (r *Repository) UpdateStatus(ctx context.Context, k mbx.Key, s mbx.Status, processedAt *time.Time) error {
	ct, err := r.querier(ctx).Exec(ctx, updateStatusSql, string(s), processedAt, k.Payload, k.EventType)
	if err != nil {
		return fmt.Errorf("could not update the outbox record: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", k, mbx.ErrRecordNotFound)
	}
	return nil
}

// FindByStatusInBatches retrieves a limited list of outbox entries in the given
// status to be processed in batches.
func (r *Repository) FindByStatusInBatches(ctx context.Context, s mbx.Status, batchSize int, limit int, fc func([]*mbx.OutboxRecord) error) error {
	var rows pgx.Rows
	var err error

	if limit == -1 {
		rows, err = r.db.Query(ctx, getOutboxEntriesSql, string(s))
	} else {
		rows, err = r.db.Query(ctx, getOutboxEntriesWithLimitSql, string(s), limit)
	}

	if err != nil {
		return err
	}
	defer rows.Close()

	// rows are fully read before calling fc, which may write to the table
	// through the same pool.
	var all []*mbx.OutboxRecord
	for rows.Next() {
		o, err := scanRecord(rows)
		if err != nil {
			return err
		}
		all = append(all, o)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for i := 0; i < len(all); i += batchSize {
		end := i + batchSize
		if end > len(all) {
			end = len(all)
		}
		if err := fc(all[i:end]); err != nil {
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
	if lock.locked && lock.lockedUntil.Time.After(time.Now()) && uuid.UUID(lock.lockedBy.Bytes) != owner {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(mbx.LockMaxDuration)
	ct, err := r.db.Exec(ctx, acquireLockSql, owner, lockedAt, lockedUntil, lock.version+1, lock.version)
	if err != nil {
		return false, err
	}

	if ct.RowsAffected() == 0 {
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
	if !lock.locked || uuid.UUID(lock.lockedBy.Bytes) != owner {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, owner)
	}
	_, err = r.db.Exec(ctx, releaseLockSql)
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", owner.String()))
	return nil
}

// querier joins the transaction in ctx when there is one.
func (r *Repository) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return tx
	}
	return r.db
}

// getOutboxLockRow returns the only 'member_outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	row := r.db.QueryRow(ctx, getOutboxLockRowSql)
	var lock outboxLock
	err := row.Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func scanRecord(row pgx.Row) (*mbx.OutboxRecord, error) {
	var o mbx.OutboxRecord
	var status string
	var processedAt pgtype.Timestamptz
	if err := row.Scan(&o.Id, &o.EventType, &o.Payload, &o.TraceId, &status, &processedAt, &o.CreatedAt); err != nil {
		return nil, err
	}
	s, err := mbx.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	o.Status = s
	if processedAt.Valid {
		t := processedAt.Time
		o.ProcessedAt = &t
	}
	return &o, nil
}
