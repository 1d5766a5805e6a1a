package sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    uuid.NullUUID
	lockedAt    sql.NullTime
	lockedUntil sql.NullTime
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		o.lockedBy.UUID,
		o.lockedAt.Time,
		o.lockedUntil.Time,
		o.version)
}

// txAdapter exposes an *sql.Tx through the context-aware mbx.Tx contract.
type txAdapter struct {
	tx *sql.Tx
}

func (t txAdapter) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t txAdapter) Rollback(context.Context) error {
	return t.tx.Rollback()
}
