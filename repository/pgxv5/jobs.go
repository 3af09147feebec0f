package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	jobColumns          = "id, queue, type, payload, dedup_key, state, attempts, max_attempts, backoff_ms, run_at, locked_until, last_error, created_at, finished_at"
	insertJobSql        = "INSERT INTO jobs (id, queue, type, payload, dedup_key, state, attempts, max_attempts, backoff_ms, run_at, created_at) VALUES ($1, $2, $3, $4, $5, 'waiting', 0, $6, $7, $8, $9) ON CONFLICT (queue, dedup_key) WHERE dedup_key IS NOT NULL AND state IN ('waiting', 'active') DO NOTHING"
	findDuplicateJobSql = "SELECT " + jobColumns + " FROM jobs WHERE queue = $1 AND dedup_key = $2 AND state IN ('waiting', 'active')"
	claimJobSql         = "UPDATE jobs SET state = 'active', attempts = attempts + 1, locked_until = $3 WHERE id = (SELECT id FROM jobs WHERE queue = $1 AND state = 'waiting' AND run_at <= $2 ORDER BY run_at ASC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED) RETURNING " + jobColumns
	completeJobSql      = "UPDATE jobs SET state = 'completed', locked_until = NULL, finished_at = $3 WHERE id = $1 AND state = 'active' AND attempts = $2"
	retryJobSql         = "UPDATE jobs SET state = 'waiting', run_at = $3, last_error = $4, locked_until = NULL WHERE id = $1 AND state = 'active' AND attempts = $2"
	buryJobSql          = "UPDATE jobs SET state = 'dead', last_error = $4, locked_until = NULL, finished_at = $3 WHERE id = $1 AND state = 'active' AND attempts = $2"
	requeueStalledSql   = "UPDATE jobs SET state = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'waiting' END, run_at = $2, locked_until = NULL, last_error = 'job stalled', finished_at = CASE WHEN attempts >= max_attempts THEN $2 ELSE NULL END WHERE queue = $1 AND state = 'active' AND locked_until < $2 RETURNING " + jobColumns
	findDeadJobsSql     = "SELECT " + jobColumns + " FROM jobs WHERE queue = $1 AND state = 'dead' ORDER BY created_at ASC LIMIT $2"
)

// the dedup row can finish between the conflicting insert and the lookup
const maxAddAttempts = 3

// JobStore persists queue jobs in the 'jobs' table. Claims rely on
// FOR UPDATE SKIP LOCKED so several processes can share a queue.
type JobStore struct {
	db dbpool
}

var _ queue.Store = (*JobStore)(nil)

func NewJobStore(pool dbpool) *JobStore {
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &JobStore{db: pool}
}

func (s *JobStore) Add(ctx context.Context, job *queue.Job) (*queue.Job, bool, error) {
	for i := 0; i < maxAddAttempts; i++ {
		ct, err := s.db.Exec(ctx, insertJobSql, job.ID, job.Queue, job.Type, []byte(job.Payload), nullable(job.DedupKey),
			job.MaxAttempts, job.BackoffBase.Milliseconds(), job.RunAt, job.CreatedAt)
		if err != nil {
			return nil, false, err
		}
		if ct.RowsAffected() == 1 {
			stored := *job
			return &stored, true, nil
		}
		existing, err := scanJob(s.db.QueryRow(ctx, findDuplicateJobSql, job.Queue, job.DedupKey))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("could not insert job with dedup key '%s'", job.DedupKey)
}

func (s *JobStore) Claim(ctx context.Context, queueName string, now time.Time, lease time.Duration) (*queue.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, claimJobSql, queueName, now, now.Add(lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *JobStore) Complete(ctx context.Context, id uuid.UUID, attempts int, now time.Time) error {
	return s.finish(ctx, completeJobSql, id, attempts, now)
}

func (s *JobStore) Retry(ctx context.Context, id uuid.UUID, attempts int, runAt time.Time, lastErr string) error {
	return s.finish(ctx, retryJobSql, id, attempts, runAt, lastErr)
}

func (s *JobStore) Bury(ctx context.Context, id uuid.UUID, attempts int, now time.Time, lastErr string) error {
	return s.finish(ctx, buryJobSql, id, attempts, now, lastErr)
}

// finish runs a lease guarded transition of an active job.
func (s *JobStore) finish(ctx context.Context, sql string, id uuid.UUID, attempts int, args ...any) error {
	ct, err := s.db.Exec(ctx, sql, append([]any{id, attempts}, args...)...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (s *JobStore) RequeueStalled(ctx context.Context, queueName string, now time.Time) ([]*queue.Job, error) {
	rows, err := s.db.Query(ctx, requeueStalledSql, queueName, now)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *JobStore) Dead(ctx context.Context, queueName string, limit int) ([]*queue.Job, error) {
	rows, err := s.db.Query(ctx, findDeadJobsSql, queueName, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*queue.Job, error) {
	var (
		j         queue.Job
		payload   []byte
		dedupKey  *string
		state     string
		backoffMs int64
		lastError *string
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Type, &payload, &dedupKey, &state, &j.Attempts, &j.MaxAttempts,
		&backoffMs, &j.RunAt, &j.LockedUntil, &lastError, &j.CreatedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.State = queue.State(state)
	j.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	if dedupKey != nil {
		j.DedupKey = *dedupKey
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*queue.Job, error) {
	defer rows.Close()
	var jobs []*queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// limitArg maps a non positive limit to NULL, which Postgres reads as
// LIMIT ALL.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
