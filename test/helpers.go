package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

// OutboxColumns are the columns of the 'member_outbox' table in select order.
var OutboxColumns = []string{"id", "event_type", "payload", "trace_id", "status", "processed_at", "created_at"}

// LockColumns are the columns of the 'member_outbox_lock' table in select order.
var LockColumns = []string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_member_outbox.up.sql"),
			filepath.Join(root.Path, "sql/postgres/000002_members.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

func MockUnlockedOutboxLock(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows(LockColumns).
		AddRow(1, false, nil, nil, nil, 1)
	mock.ExpectQuery("SELECT \\* FROM member_outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockLockedOutboxLock(mock sqlmock.Sqlmock, owner uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows(LockColumns).
		AddRow(1, true, owner.String(), time.Now(), time.Now().Add(time.Minute), 1)
	mock.ExpectQuery("SELECT \\* FROM member_outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

// MockOutboxRows expects a select on 'member_outbox' with the given query
// arguments (status, then limit if any) returning n FAIL rows.
func MockOutboxRows(mock sqlmock.Sqlmock, n int, args ...driver.Value) *sqlmock.Rows {
	rows := sqlmock.NewRows(OutboxColumns)
	for i := 1; i <= n; i++ {
		rows.AddRow(int64(i), "MemberCreatedOutboxEvent", int64(100+i), "", "FAIL", nil, time.Now())
	}
	mock.ExpectQuery("SELECT (.+) FROM member_outbox WHERE status=.+").WithArgs(args...).WillReturnRows(rows)
	return rows
}
