// Package member is the member domain of the backend. Every change to the
// members table publishes an outbox event in the same transaction.
package member

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3rs4lg4d0/memberbox/mbx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxNicknameLength = 64
	uniqueViolation   = "23505"

	insertMemberSql   = "INSERT INTO members (nickname) VALUES ($1) RETURNING id"
	updateNicknameSql = "UPDATE members SET nickname=$1, updated_at=NOW() WHERE id=$2"
	deleteMemberSql   = "DELETE FROM members WHERE id=$1"
)

var (
	ErrInvalidNickname = errors.New("invalid nickname")
	ErrNicknameTaken   = errors.New("nickname already taken")
	ErrMemberNotFound  = errors.New("member not found")
)

// Outbox runs business transactions and publishes events inside them.
// *mbx.Memberbox satisfies it.
type Outbox interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
	Publish(ctx context.Context, e mbx.Event) error
}

type Service struct {
	txKey  mbx.TxKey
	outbox Outbox
	logger mbx.Logger
}

var _ mbx.Loggable = (*Service)(nil)

// NewService builds the member service. txKey must be the key the pgx
// repository stores its transaction under.
func NewService(txKey mbx.TxKey, o Outbox) *Service {
	if txKey == nil || o == nil {
		panic("txKey and outbox are mandatory")
	}
	return &Service{
		txKey:  txKey,
		outbox: o,
		logger: &mbx.NopLogger{},
	}
}

func (s *Service) SetLogger(l mbx.Logger) {
	s.logger = l
}

// SignUp creates a member and publishes MemberCreatedOutboxEvent.
func (s *Service) SignUp(ctx context.Context, nickname string) (int64, error) {
	nickname, err := normalize(nickname)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.outbox.Do(ctx, func(ctx context.Context) error {
		tx, err := s.tx(ctx)
		if err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, insertMemberSql, nickname).Scan(&id); err != nil {
			return translate(err)
		}
		return s.outbox.Publish(ctx, mbx.NewEvent(mbx.MemberCreated, id))
	})
	if err != nil {
		return 0, fmt.Errorf("sign up '%s': %w", nickname, err)
	}
	s.logger.Info(fmt.Sprintf("member %d signed up", id))
	return id, nil
}

// ChangeNickname renames a member and publishes MemberNicknameChangedOutboxEvent.
func (s *Service) ChangeNickname(ctx context.Context, id int64, nickname string) error {
	nickname, err := normalize(nickname)
	if err != nil {
		return err
	}

	err = s.outbox.Do(ctx, func(ctx context.Context) error {
		tx, err := s.tx(ctx)
		if err != nil {
			return err
		}
		ct, err := tx.Exec(ctx, updateNicknameSql, nickname, id)
		if err != nil {
			return translate(err)
		}
		if ct.RowsAffected() == 0 {
			return ErrMemberNotFound
		}
		return s.outbox.Publish(ctx, mbx.NewEvent(mbx.MemberNicknameChanged, id))
	})
	if err != nil {
		return fmt.Errorf("change nickname of member %d: %w", id, err)
	}
	return nil
}

// Delete removes a member and publishes MemberDeletedOutboxEvent.
func (s *Service) Delete(ctx context.Context, id int64) error {
	err := s.outbox.Do(ctx, func(ctx context.Context) error {
		tx, err := s.tx(ctx)
		if err != nil {
			return err
		}
		ct, err := tx.Exec(ctx, deleteMemberSql, id)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return ErrMemberNotFound
		}
		return s.outbox.Publish(ctx, mbx.NewEvent(mbx.MemberDeleted, id))
	})
	if err != nil {
		return fmt.Errorf("delete member %d: %w", id, err)
	}
	return nil
}

func (s *Service) tx(ctx context.Context) (pgx.Tx, error) {
	tx, ok := ctx.Value(s.txKey).(pgx.Tx)
	if !ok {
		return nil, fmt.Errorf("a pgx.Tx transaction was expected: %w", mbx.ErrTxExpected)
	}
	return tx, nil
}

func normalize(nickname string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" || len(nickname) > maxNicknameLength {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidNickname, nickname)
	}
	return nickname, nil
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrNicknameTaken
	}
	return err
}
