package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	outboxColumns       = "id, aggregate_type, aggregate_id, event_type, payload, created_at, processed_at, retry_count, error_message"
	insertOutboxSql     = "INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload) VALUES ($1, $2, $3, $4, $5)"
	findUnprocessedSql  = "SELECT " + outboxColumns + " FROM outbox WHERE processed_at IS NULL AND retry_count < $1 AND id <> ALL($2::uuid[]) ORDER BY created_at ASC LIMIT $3"
	markProcessedSql    = "UPDATE outbox SET processed_at = NOW() WHERE id = $1 AND processed_at IS NULL"
	markFailedSql       = "UPDATE outbox SET retry_count = retry_count + 1, error_message = $2 WHERE id = $1 AND processed_at IS NULL"
	markDeadSql         = "UPDATE outbox SET retry_count = GREATEST(retry_count, $2), error_message = $3 WHERE id = $1 AND processed_at IS NULL"
	findDeadLettersSql  = "SELECT " + outboxColumns + " FROM outbox WHERE processed_at IS NULL AND retry_count >= $1 ORDER BY created_at ASC LIMIT $2"
	countDeadLettersSql = "SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count >= $1"
	incrementStampsSql  = "UPDATE customers c SET stamp_count = c.stamp_count + $3, last_activity_at = NOW() FROM businesses b WHERE c.business_id = $1 AND c.id = $2 AND b.id = c.business_id RETURNING c.stamp_count, b.stamps_required"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repository stores outbox records and applies the loyalty card mutations
// that must share a transaction with them.
type Repository struct {
	txKey  repository.TxKey
	db     dbpool
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Outbox = (*Repository)(nil)
var _ repository.Stamps = (*Repository)(nil)
var _ repository.Transactor = (*Repository)(nil)

func New(txKey repository.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = logger.OrNop(l)
}

// InTx begins a transaction, stores it in the context handed to fn and
// commits it when fn succeeds.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
				r.logger.Error("could not rollback the transaction", rerr)
			}
		}
	}()

	if err = fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

func (r *Repository) tx(ctx context.Context) (pgx.Tx, error) {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return nil, errors.New("a pgx transaction was expected")
	}
	return tx, nil
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, o *repository.OutboxRecord) error {
	tx, err := r.tx(ctx)
	if err != nil {
		return err
	}
	if o.Id == uuid.Nil {
		o.Id = uuid.New()
	}
	_, err = tx.Exec(ctx, insertOutboxSql, o.Id, o.AggregateType, o.AggregateId, o.EventType, o.Payload)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FindUnprocessed retrieves the oldest records eligible for delivery.
func (r *Repository) FindUnprocessed(ctx context.Context, limit int, maxRetries int, exclude []uuid.UUID) ([]*repository.OutboxRecord, error) {
	ids := make([]string, len(exclude))
	for i, id := range exclude {
		ids[i] = id.String()
	}
	rows, err := r.db.Query(ctx, findUnprocessedSql, maxRetries, ids, limit)
	if err != nil {
		return nil, err
	}
	return collectOutboxRecords(rows)
}

// MarkProcessed sets processed_at on an unprocessed record.
func (r *Repository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	ct, err := r.db.Exec(ctx, markProcessedSql, id)
	if err != nil {
		return fmt.Errorf("could not mark the outbox record as processed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		r.logger.Debug(fmt.Sprintf("outbox record %s was already processed", id))
	}
	return nil
}

// MarkFailed records a failed delivery attempt.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := r.db.Exec(ctx, markFailedSql, id, errMsg)
	if err != nil {
		return fmt.Errorf("could not mark the outbox record as failed: %w", err)
	}
	return nil
}

// MarkDead moves a record straight to the dead letters.
func (r *Repository) MarkDead(ctx context.Context, id uuid.UUID, maxRetries int, errMsg string) error {
	_, err := r.db.Exec(ctx, markDeadSql, id, maxRetries, errMsg)
	if err != nil {
		return fmt.Errorf("could not dead-letter the outbox record: %w", err)
	}
	return nil
}

// DeadLetters returns records that exhausted their retries.
func (r *Repository) DeadLetters(ctx context.Context, maxRetries int, limit int) ([]*repository.OutboxRecord, error) {
	rows, err := r.db.Query(ctx, findDeadLettersSql, maxRetries, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return collectOutboxRecords(rows)
}

// CountDeadLetters counts records that exhausted their retries.
func (r *Repository) CountDeadLetters(ctx context.Context, maxRetries int) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, countDeadLettersSql, maxRetries).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// IncrementStamps adds stamps inside the business transaction of ctx.
func (r *Repository) IncrementStamps(ctx context.Context, businessID, customerID uuid.UUID, n int) (int, int, error) {
	tx, err := r.tx(ctx)
	if err != nil {
		return 0, 0, err
	}
	var count, required int
	err = tx.QueryRow(ctx, incrementStampsSql, businessID, customerID, n).Scan(&count, &required)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("customer %s of business %s: %w", customerID, businessID, repository.ErrNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("could not increment stamps: %w", err)
	}
	return count, required, nil
}

func collectOutboxRecords(rows pgx.Rows) ([]*repository.OutboxRecord, error) {
	defer rows.Close()
	var ors []*repository.OutboxRecord
	for rows.Next() {
		var or repository.OutboxRecord
		err := rows.Scan(&or.Id, &or.AggregateType, &or.AggregateId, &or.EventType, &or.Payload,
			&or.CreatedAt, &or.ProcessedAt, &or.RetryCount, &or.ErrorMessage)
		if err != nil {
			return nil, err
		}
		ors = append(ors, &or)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ors, nil
}
