package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/memberbox/mbx"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type outboxLock struct {
	ID          int
	Locked      bool
	LockedBy    uuid.NullUUID
	LockedAt    sql.NullTime
	LockedUntil sql.NullTime
	Version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.Locked,
		o.LockedBy.UUID,
		o.LockedAt.Time,
		o.LockedUntil.Time,
		o.Version)
}

type insertedRow struct {
	ID        int64     `gorm:"column:id"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

type outboxRow struct {
	ID          int64        `gorm:"column:id"`
	EventType   string       `gorm:"column:event_type"`
	Payload     int64        `gorm:"column:payload"`
	TraceID     string       `gorm:"column:trace_id"`
	Status      string       `gorm:"column:status"`
	ProcessedAt sql.NullTime `gorm:"column:processed_at"`
	CreatedAt   time.Time    `gorm:"column:created_at"`
}

func (o *outboxRow) record() (*mbx.OutboxRecord, error) {
	s, err := mbx.ParseStatus(o.Status)
	if err != nil {
		return nil, err
	}
	r := &mbx.OutboxRecord{
		Id:        o.ID,
		EventType: o.EventType,
		Payload:   o.Payload,
		TraceId:   o.TraceID,
		Status:    s,
		CreatedAt: o.CreatedAt,
	}
	if o.ProcessedAt.Valid {
		t := o.ProcessedAt.Time
		r.ProcessedAt = &t
	}
	return r, nil
}

type gormTx struct {
	db *gorm.DB
}

func (t gormTx) Commit(context.Context) error {
	return t.db.Commit().Error
}

func (t gormTx) Rollback(context.Context) error {
	return t.db.Rollback().Error
}
