package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// State is the position of a job in its lifecycle. Delayed jobs are waiting
// jobs whose RunAt lies in the future.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// Job is a unit of work owned by a queue from enqueue until it is completed
// or dead-lettered.
type Job struct {
	ID          uuid.UUID
	Queue       string
	Type        string
	Payload     json.RawMessage
	DedupKey    string
	State       State
	Attempts    int
	MaxAttempts int
	BackoffBase time.Duration
	RunAt       time.Time
	LockedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	FinishedAt  *time.Time

	// Duplicate is set by Enqueue when the dedup key matched a job that was
	// already waiting or active; the returned job is that existing one.
	Duplicate bool
}

// Decode unmarshals the job payload into dest.
func (j *Job) Decode(dest any) error {
	return json.Unmarshal(j.Payload, dest)
}

// LastAttempt reports whether a failure of the current attempt is final.
func (j *Job) LastAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// Backoff returns the delay before retrying after the given number of failed
// attempts: base × 2^(failed-1), so the first retry waits one base delay.
func Backoff(base time.Duration, failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	if failed > 30 {
		failed = 30
	}
	return base * time.Duration(1<<(failed-1))
}

// Store persists jobs. Implementations must guarantee that a job is claimed
// by at most one worker at a time and that at most one waiting or active job
// exists per (queue, dedup key).
type Store interface {
	// Add inserts a job. When a waiting or active job with the same queue and
	// dedup key exists, that job is returned with created=false.
	Add(ctx context.Context, job *Job) (stored *Job, created bool, err error)

	// Claim marks the oldest due waiting job of the queue as active, leases it
	// until now+lease and increments its attempts. It returns nil when no job
	// is due.
	Claim(ctx context.Context, queue string, now time.Time, lease time.Duration) (*Job, error)

	// Complete marks an active job as completed. attempts is the value
	// returned by the Claim that leased the job; when the job is no longer
	// active with that attempt count the lease was lost and ErrLeaseLost is
	// returned without changing the job. Retry and Bury follow the same rule.
	Complete(ctx context.Context, id uuid.UUID, attempts int, now time.Time) error

	// Retry moves an active job back to waiting until runAt.
	Retry(ctx context.Context, id uuid.UUID, attempts int, runAt time.Time, lastErr string) error

	// Bury dead-letters an active job.
	Bury(ctx context.Context, id uuid.UUID, attempts int, now time.Time, lastErr string) error

	// RequeueStalled releases active jobs whose lease expired before now.
	// Stalled jobs with attempts left go back to waiting, the rest are buried.
	RequeueStalled(ctx context.Context, queue string, now time.Time) ([]*Job, error)

	// Dead lists dead-lettered jobs of the queue, oldest first. A limit of
	// zero or less lists all of them.
	Dead(ctx context.Context, queue string, limit int) ([]*Job, error)
}

// ErrLeaseLost is returned by a Store when a worker finishes a job whose
// lease was reclaimed by RequeueStalled.
var ErrLeaseLost = errors.New("job lease lost")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue dead-letters the job without using its
// remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
