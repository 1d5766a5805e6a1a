package pgxv5

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    pgtype.UUID
	lockedAt    pgtype.Timestamptz
	lockedUntil pgtype.Timestamptz
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		o.lockedBy,
		o.lockedAt.Time,
		o.lockedUntil.Time,
		o.version)
}
