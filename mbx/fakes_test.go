package mbx

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memTxKey struct{}

// memRepository is an in-memory Repository honoring transaction boundaries.
type memRepository struct {
	mu        sync.Mutex
	nextId    int64
	records   []*OutboxRecord
	domain    []string
	saveErr   error
	updateErr error
	locked    bool
	lockErr   error
	lockOwner uuid.UUID
	// AcquireLock calls that succeeded, including refreshes by the owner
	lockRefreshes int
	commits   int
	rollbacks int
}

type memTx struct {
	repo    *memRepository
	records []*OutboxRecord
	domain  []string
	done    bool
}

var _ Repository = (*memRepository)(nil)

func (r *memRepository) Begin(ctx context.Context) (context.Context, Tx, error) {
	tx := &memTx{repo: r}
	return context.WithValue(ctx, memTxKey{}, tx), tx, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already closed")
	}
	t.done = true
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.records = append(t.repo.records, t.records...)
	t.repo.domain = append(t.repo.domain, t.domain...)
	t.repo.commits++
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already closed")
	}
	t.done = true
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.rollbacks++
	return nil
}

// writeDomain simulates a domain mutation inside the transaction in ctx.
func writeDomain(ctx context.Context, change string) error {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return ErrTxExpected
	}
	tx.domain = append(tx.domain, change)
	return nil
}

func (r *memRepository) Save(ctx context.Context, o *OutboxRecord) error {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return ErrTxExpected
	}
	if r.saveErr != nil {
		return r.saveErr
	}
	r.mu.Lock()
	r.nextId++
	o.Id = r.nextId
	r.mu.Unlock()
	o.CreatedAt = time.Now()
	c := *o
	tx.records = append(tx.records, &c)
	return nil
}

func (r *memRepository) latest(k Key) *OutboxRecord {
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].Key() == k {
			return r.records[i]
		}
	}
	return nil
}

func (r *memRepository) FindByKey(ctx context.Context, k Key) (*OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.latest(k)
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	c := *rec
	return &c, nil
}

func (r *memRepository) UpdateStatus(ctx context.Context, k Key, s Status, processedAt *time.Time) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.latest(k)
	if rec == nil {
		return ErrRecordNotFound
	}
	rec.Status = s
	if processedAt != nil {
		t := *processedAt
		rec.ProcessedAt = &t
	}
	return nil
}

func (r *memRepository) FindByStatusInBatches(ctx context.Context, s Status, batchSize int, limit int, fc func([]*OutboxRecord) error) error {
	r.mu.Lock()
	var found []*OutboxRecord
	for _, rec := range r.records {
		if rec.Status == s {
			c := *rec
			found = append(found, &c)
		}
	}
	r.mu.Unlock()
	sort.Slice(found, func(i, j int) bool { return found[i].Id < found[j].Id })
	if limit != -1 && len(found) > limit {
		found = found[:limit]
	}
	for i := 0; i < len(found); i += batchSize {
		end := i + batchSize
		if end > len(found) {
			end = len(found)
		}
		if err := fc(found[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *memRepository) AcquireLock(ctx context.Context, owner uuid.UUID) (bool, error) {
	if r.lockErr != nil {
		return false, r.lockErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked && r.lockOwner != owner {
		return false, nil
	}
	r.locked = true
	r.lockOwner = owner
	r.lockRefreshes++
	return true, nil
}

func (r *memRepository) ReleaseLock(ctx context.Context, owner uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = false
	return nil
}

func (r *memRepository) all() []OutboxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutboxRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// fakeEmitter answers every send with the configured outcome.
type fakeEmitter struct {
	mu       sync.Mutex
	calls    int
	times    []time.Time
	topics   []string
	sendErr  error   // returned by Send itself
	failures []error // delivery errors consumed in order, nil once exhausted
}

var _ Emitter = (*fakeEmitter)(nil)

func (e *fakeEmitter) Send(ctx context.Context, topic string, ev Event) (<-chan Delivery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.times = append(e.times, time.Now())
	e.topics = append(e.topics, topic)
	if e.sendErr != nil {
		return nil, e.sendErr
	}
	dc := make(chan Delivery, 1)
	d := Delivery{Topic: topic, Partition: 0, Offset: int64(e.calls), Details: "delivered"}
	if len(e.failures) > 0 {
		d.Error = e.failures[0]
		e.failures = e.failures[1:]
	}
	dc <- d
	return dc, nil
}

func (e *fakeEmitter) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type countingCounter struct {
	mu    sync.Mutex
	value int64
}

func (c *countingCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
}

func (c *countingCounter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

var fastSettings = Settings{MaxAttempts: 3, RetryDelay: 10 * time.Millisecond}

// recordingLogger keeps the warnings it receives.
type recordingLogger struct {
	NopLogger
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Warn(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}
