package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/memberbox/mbx"
	"github.com/google/uuid"
)

const raNotSupported string = "RowsAffected not supported"

const outboxColumns = "id, event_type, payload, trace_id, status, processed_at, created_at"

type queries struct {
	getOutboxLockRow          string
	insertOutbox              string
	findByKey                 string
	updateStatus              string
	getOutboxEntries          string
	getOutboxEntriesWithLimit string
	acquireLock               string
	releaseLock               string
}

func newQueries(useDollar bool) queries {
	q := queries{
		getOutboxLockRow:          "SELECT * FROM member_outbox_lock WHERE id=1",
		insertOutbox:              "INSERT INTO member_outbox (event_type, payload, trace_id, status) VALUES (?, ?, ?, ?) RETURNING id, created_at",
		findByKey:                 "SELECT " + outboxColumns + " FROM member_outbox WHERE payload=? AND event_type=? ORDER BY id DESC LIMIT 1",
		updateStatus:              "UPDATE member_outbox SET status=?, processed_at=COALESCE(?, processed_at) WHERE id=(SELECT id FROM member_outbox WHERE payload=? AND event_type=? ORDER BY id DESC LIMIT 1)",
		getOutboxEntries:          "SELECT " + outboxColumns + " FROM member_outbox WHERE status=? ORDER BY id ASC",
		getOutboxEntriesWithLimit: "SELECT " + outboxColumns + " FROM member_outbox WHERE status=? ORDER BY id ASC LIMIT ?",
		acquireLock:               "UPDATE member_outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?",
		releaseLock:               "UPDATE member_outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1",
	}
	if useDollar {
		q.insertOutbox = convertToDollarPlaceholder(q.insertOutbox)
		q.findByKey = convertToDollarPlaceholder(q.findByKey)
		q.updateStatus = convertToDollarPlaceholder(q.updateStatus)
		q.getOutboxEntries = convertToDollarPlaceholder(q.getOutboxEntries)
		q.getOutboxEntriesWithLimit = convertToDollarPlaceholder(q.getOutboxEntriesWithLimit)
		q.acquireLock = convertToDollarPlaceholder(q.acquireLock)
	}
	return q
}

// querier is the subset shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	txKey   mbx.TxKey
	db      *sql.DB
	queries queries
	logger  mbx.Logger
}

var _ mbx.Loggable = (*Repository)(nil)
var _ mbx.Repository = (*Repository)(nil)

// New builds a database/sql backed repository. Set useDollar for drivers
// expecting $N placeholders (pgx stdlib, lib/pq).
func New(txKey mbx.TxKey, db *sql.DB, useDollar bool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	return &Repository{
		txKey:   txKey,
		db:      db,
		queries: newQueries(useDollar),
		logger:  &mbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l mbx.Logger) {
	r.logger = l
}

// Begin starts an *sql.Tx and stores it in the returned context.
func (r *Repository) Begin(ctx context.Context) (context.Context, mbx.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, r.txKey, tx), txAdapter{tx: tx}, nil
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, o *mbx.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return fmt.Errorf("an *sql.Tx transaction was expected: %w", mbx.ErrTxExpected)
	}
	err := tx.QueryRowContext(ctx, r.queries.insertOutbox, o.EventType, o.Payload, o.TraceId, string(o.Status)).Scan(&o.Id, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FindByKey returns the latest outbox record for the key.
func (r *Repository) FindByKey(ctx context.Context, k mbx.Key) (*mbx.OutboxRecord, error) {
	o, err := scanRecord(r.querier(ctx).QueryRowContext(ctx, r.queries.findByKey, k.Payload, k.EventType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", k, mbx.ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateStatus updates the status of the latest outbox record for the key.
func (r *Repository) UpdateStatus(ctx context.Context, k mbx.Key, s mbx.Status, processedAt *time.Time) error {
	var pa sql.NullTime
	if processedAt != nil {
		pa = sql.NullTime{Time: *processedAt, Valid: true}
	}
	res, err := r.querier(ctx).ExecContext(ctx, r.queries.updateStatus, string(s), pa, k.Payload, k.EventType)
	if err != nil {
		return fmt.Errorf("could not update the outbox record: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return fmt.Errorf("%s: %w", k, mbx.ErrRecordNotFound)
	}
	return nil
}

// FindByStatusInBatches retrieves a limited list of outbox entries in the
// given status to be processed in batches.
func (r *Repository) FindByStatusInBatches(ctx context.Context, s mbx.Status, batchSize int, limit int, fc func([]*mbx.OutboxRecord) error) error {
	var rows *sql.Rows
	var err error

	if limit == -1 {
		rows, err = r.db.QueryContext(ctx, r.queries.getOutboxEntries, string(s))
	} else {
		rows, err = r.db.QueryContext(ctx, r.queries.getOutboxEntriesWithLimit, string(s), limit)
	}

	if err != nil {
		return err
	}
	defer rows.Close()

	var ors []*mbx.OutboxRecord
	for rows.Next() {
		or, err := scanRecord(rows)
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
	if lock.locked && lock.lockedUntil.Time.After(time.Now()) && lock.lockedBy.UUID != owner {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(mbx.LockMaxDuration)
	res, err := r.db.ExecContext(ctx, r.queries.acquireLock, owner, lockedAt, lockedUntil, lock.version+1, lock.version)
	if err != nil {
		return false, err
	}

	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	if ra == 0 {
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
	if !lock.locked || lock.lockedBy.UUID != owner {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, owner)
	}
	_, err = r.db.ExecContext(ctx, r.queries.releaseLock)
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", owner.String()))
	return nil
}

func (r *Repository) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		return tx
	}
	return r.db
}

// getOutboxLockRow returns the only 'member_outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	row := r.db.QueryRowContext(ctx, r.queries.getOutboxLockRow)
	var lock outboxLock
	err := row.Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*mbx.OutboxRecord, error) {
	var o mbx.OutboxRecord
	var status string
	var processedAt sql.NullTime
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

func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}
	return query
}
