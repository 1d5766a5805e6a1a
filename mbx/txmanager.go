package mbx

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EventPublisher is the interface domain operations use to emit envelopes.
// They never learn whether the delivery succeeded.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// TxObserver is notified around the commit of a host transaction for every
// event published inside it. BeforeCommit runs inside the still open
// transaction and aborts it on error; AfterCommit runs once the transaction
// is durably committed.
type TxObserver interface {
	BeforeCommit(ctx context.Context, e Event) error
	AfterCommit(ctx context.Context, e Event)
}

type scopeKey struct{}

// scope collects the events published inside one host transaction.
type scope struct {
	mu     sync.Mutex
	events []Event
}

func (s *scope) add(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *scope) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// TxManager runs units of work inside host transactions and dispatches the
// events they publish to the registered observers.
type TxManager struct {
	transactor Transactor
	observers  []TxObserver
	logger     Logger
}

var _ EventPublisher = (*TxManager)(nil)

// NewTxManager creates a TxManager on top of the provided Transactor.
func NewTxManager(t Transactor, observers ...TxObserver) *TxManager {
	if t == nil {
		panic("you must provide a transactor")
	}
	return &TxManager{
		transactor: t,
		observers:  observers,
		logger:     &NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (m *TxManager) SetLogger(l Logger) {
	m.logger = l
}

// Register adds an observer. It is not safe to call Register concurrently
// with Do.
func (m *TxManager) Register(o TxObserver) {
	m.observers = append(m.observers, o)
}

// Do executes fn inside a host transaction. Events published by fn are
// handed to the observers' BeforeCommit hooks before committing and to their
// AfterCommit hooks once committed. A nested call joins the outer
// transaction.
func (m *TxManager) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(scopeKey{}).(*scope); ok {
		return fn(ctx)
	}

	txCtx, tx, err := m.transactor.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	s := &scope{}
	txCtx = context.WithValue(txCtx, scopeKey{}, s)

	defer func() {
		if p := recover(); p != nil {
			m.rollback(txCtx, tx)
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		m.rollback(txCtx, tx)
		return err
	}

	events := s.snapshot()
	for _, e := range events {
		for _, o := range m.observers {
			if err := o.BeforeCommit(txCtx, e); err != nil {
				m.rollback(txCtx, tx)
				return fmt.Errorf("before commit hook failed for %s: %w", e, err)
			}
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}

	// The transaction is gone: after commit hooks work with the caller's
	// context so repositories fall back to their own connections.
	for _, e := range events {
		for _, o := range m.observers {
			o.AfterCommit(ctx, e)
		}
	}

	return nil
}

// Publish records the event in the transaction carried by ctx.
func (m *TxManager) Publish(ctx context.Context, e Event) error {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return fmt.Errorf("publishing %s: %w", e, ErrNoTransaction)
	}
	s.add(e)
	return nil
}

func (m *TxManager) rollback(ctx context.Context, tx Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("rolling back the transaction", err)
	}
}
