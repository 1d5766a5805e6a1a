package gorm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/memberbox/mbx"
	"github.com/3rs4lg4d0/memberbox/test"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestNew(t *testing.T) {
	db, _ := createGormMock(t)
	assert.NotPanics(t, func() { New(test.DefaultCtxKey, db) })
	assert.Panics(t, func() { New(nil, db) })
	assert.Panics(t, func() { New(test.DefaultCtxKey, nil) })
}

func TestSave(t *testing.T) {
	createdAt := time.Now()
	testcases := []struct {
		name             string
		withTx           bool
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          error
		wantErrMsg       string
	}{
		{
			name:   "valid context and valid record",
			withTx: true,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO member_outbox .+ RETURNING id, created_at").
					WithArgs(mbx.MemberNicknameChanged, int64(3), "", "PENDING").
					WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), createdAt))
			},
		},
		{
			name:       "context without an existing transaction",
			wantErr:    mbx.ErrTxExpected,
			wantErrMsg: "a *gorm.DB transaction was expected: a transaction was expected in the context",
		},
		{
			name:   "simulate error when saving",
			withTx: true,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO member_outbox .+").
					WithArgs(test.GenerateAnyArgsSlice(4)...).
					WillReturnError(errors.New("error#1"))
			},
			wantErrMsg: "could not persist the outbox record: error#1",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createMockRepository(t)
			ctx := context.Background()
			if tc.withTx {
				mock.ExpectBegin()
				ctx, _, _ = repo.Begin(ctx)
			}
			if tc.mockExpectations != nil {
				tc.mockExpectations(mock)
			}

			record := &mbx.OutboxRecord{EventType: mbx.MemberNicknameChanged, Payload: 3, Status: mbx.StatusPending}
			err := repo.Save(ctx, record)
			if tc.wantErrMsg == "" {
				assert.NoError(t, err)
				assert.Equal(t, int64(11), record.Id)
				assert.True(t, createdAt.Equal(record.CreatedAt))
			} else {
				assert.EqualError(t, err, tc.wantErrMsg)
				if tc.wantErr != nil {
					assert.ErrorIs(t, err, tc.wantErr)
				}
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestBeginCommitAndRollback(t *testing.T) {
	repo, mock := createMockRepository(t)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx, tx, err := repo.Begin(context.Background())
	assert.NoError(t, err)
	assert.IsType(t, &gorm.DB{}, ctx.Value(test.DefaultCtxKey))
	assert.NoError(t, tx.Commit(ctx))

	ctx, tx, err = repo.Begin(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, tx.Rollback(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByKey(t *testing.T) {
	key := mbx.Key{Payload: 3, EventType: mbx.MemberDeleted}
	now := time.Now()
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantStatus       mbx.Status
		wantProcessed    bool
		wantErr          error
	}{
		{
			name: "latest record is returned",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM member_outbox WHERE payload=\\$1 AND event_type=\\$2 ORDER BY id DESC LIMIT 1").
					WithArgs(int64(3), mbx.MemberDeleted).
					WillReturnRows(sqlmock.NewRows(test.OutboxColumns).
						AddRow(int64(8), mbx.MemberDeleted, int64(3), "", "SUCCESS", now, now))
			},
			wantStatus:    mbx.StatusSuccess,
			wantProcessed: true,
		},
		{
			name: "no rows",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM member_outbox WHERE .+").
					WithArgs(int64(3), mbx.MemberDeleted).
					WillReturnRows(sqlmock.NewRows(test.OutboxColumns))
			},
			wantErr: mbx.ErrRecordNotFound,
		},
		{
			name: "unknown status stored",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM member_outbox WHERE .+").
					WithArgs(int64(3), mbx.MemberDeleted).
					WillReturnRows(sqlmock.NewRows(test.OutboxColumns).
						AddRow(int64(8), mbx.MemberDeleted, int64(3), "", "LOST", nil, now))
			},
			wantErr: mbx.ErrInvalidStatus,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createMockRepository(t)
			tc.mockExpectations(mock)

			got, err := repo.FindByKey(context.Background(), key)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, int64(8), got.Id)
				assert.Equal(t, key, got.Key())
				assert.Equal(t, tc.wantStatus, got.Status)
				assert.Equal(t, tc.wantProcessed, got.ProcessedAt != nil)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	key := mbx.Key{Payload: 3, EventType: mbx.MemberDeleted}
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          error
		wantErrMsg       string
	}{
		{
			name: "status updated",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE member_outbox SET status=\\$1, processed_at=COALESCE\\(\\$2, processed_at\\) .+").
					WithArgs("SUCCESS", nil, int64(3), mbx.MemberDeleted).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "no record for the key",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE member_outbox SET .+").
					WithArgs(test.GenerateAnyArgsSlice(4)...).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: mbx.ErrRecordNotFound,
		},
		{
			name: "simulate error when updating",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE member_outbox SET .+").
					WithArgs(test.GenerateAnyArgsSlice(4)...).
					WillReturnError(errors.New("error#1"))
			},
			wantErrMsg: "could not update the outbox record: error#1",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createMockRepository(t)
			tc.mockExpectations(mock)

			err := repo.UpdateStatus(context.Background(), key, mbx.StatusSuccess, nil)
			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.wantErrMsg != "":
				assert.EqualError(t, err, tc.wantErrMsg)
			default:
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFindByStatusInBatches(t *testing.T) {
	testcases := []struct {
		name             string
		batchSize        int
		limit            int
		mockExpectations func(sqlmock.Sqlmock)
		wantBatches      []int
		wantErr          bool
	}{
		{
			name:      "all records in batches",
			batchSize: 3,
			limit:     -1,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockOutboxRows(mock, 7, "FAIL")
			},
			wantBatches: []int{3, 3, 1},
		},
		{
			name:      "limited records",
			batchSize: 3,
			limit:     2,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				rows := test.MockOutboxRows(mock, 0, "FAIL", 2)
				rows.AddRow(int64(1), mbx.MemberCreated, int64(1), "", "FAIL", nil, time.Now())
				rows.AddRow(int64(2), mbx.MemberCreated, int64(2), "", "FAIL", nil, time.Now())
			},
			wantBatches: []int{2},
		},
		{
			name:      "simulate error when querying",
			batchSize: 3,
			limit:     10,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM member_outbox .+").WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).WillReturnError(errors.New("error#6"))
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createMockRepository(t)
			tc.mockExpectations(mock)

			var batches []int
			err := repo.FindByStatusInBatches(context.Background(), mbx.StatusFail, tc.batchSize, tc.limit, func(records []*mbx.OutboxRecord) error {
				batches = append(batches, len(records))
				return nil
			})
			test.AssertError(t, err, tc.wantErr)
			assert.Equal(t, tc.wantBatches, batches)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAcquireLock(t *testing.T) {
	const acquireLockSqlRegEx string = "UPDATE member_outbox_lock SET locked=true.+"
	owner := uuid.New()
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantAcquired     bool
		wantErr          bool
	}{
		{
			name: "lock successfully acquired",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock)
				mock.ExpectExec(acquireLockSqlRegEx).
					WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 2, 1).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantAcquired: true,
		},
		{
			name: "lock held by someone else",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, uuid.New())
			},
		},
		{
			name: "owner extends its own lock",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, owner)
				mock.ExpectExec(acquireLockSqlRegEx).
					WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 2, 1).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantAcquired: true,
		},
		{
			name: "race condition detected",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock)
				mock.ExpectExec(acquireLockSqlRegEx).
					WithArgs(test.GenerateAnyArgsSlice(5)...).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createMockRepository(t)
			tc.mockExpectations(mock)

			acquired, err := repo.AcquireLock(context.Background(), owner)
			test.AssertError(t, err, tc.wantErr)
			assert.Equal(t, tc.wantAcquired, acquired)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReleaseLock(t *testing.T) {
	owner := uuid.New()
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          bool
	}{
		{
			name: "lock successfully released",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, owner)
				mock.ExpectExec("UPDATE member_outbox_lock SET locked=false.+").WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "lock held by a different owner",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, uuid.New())
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createMockRepository(t)
			tc.mockExpectations(mock)

			err := repo.ReleaseLock(context.Background(), owner)
			test.AssertError(t, err, tc.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func createGormMock(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	return gormDB, mock
}

func createMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock := createGormMock(t)
	repository := New(test.DefaultCtxKey, db)
	repository.SetLogger(&test.TestLogger{})
	return repository, mock
}
