package pgxv5

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/3rs4lg4d0/stampbox/test"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobCols = []string{"id", "queue", "type", "payload", "dedup_key", "state", "attempts", "max_attempts", "backoff_ms", "run_at", "locked_until", "last_error", "created_at", "finished_at"}

func newMockJobStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewJobStore(mock), mock
}

func newJob() *queue.Job {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &queue.Job{
		ID:          uuid.New(),
		Queue:       "messages",
		Type:        "message.send",
		Payload:     json.RawMessage(`{"phone":"5511987654321"}`),
		DedupKey:    "c1:cu1:customer.stamps_reached:5",
		State:       queue.StateWaiting,
		MaxAttempts: 3,
		BackoffBase: time.Second * 5,
		RunAt:       now,
		CreatedAt:   now,
	}
}

func jobRow(j *queue.Job, state queue.State, attempts int) []any {
	return []any{j.ID, j.Queue, j.Type, []byte(j.Payload), strPtr(j.DedupKey), string(state), attempts, j.MaxAttempts,
		j.BackoffBase.Milliseconds(), j.RunAt, (*time.Time)(nil), (*string)(nil), j.CreatedAt, (*time.Time)(nil)}
}

func TestNewJobStore(t *testing.T) {
	assert.Panics(t, func() { NewJobStore(nil) })
}

func TestJobStore_Add(t *testing.T) {
	testcases := []struct {
		name             string
		mockExpectations func(pgxmock.PgxPoolIface, *queue.Job, *queue.Job)
		wantCreated      bool
		wantExisting     bool
		wantErr          bool
	}{
		{
			name: "new job is inserted",
			mockExpectations: func(mock pgxmock.PgxPoolIface, j *queue.Job, _ *queue.Job) {
				mock.ExpectExec(regexp.QuoteMeta(insertJobSql)).
					WithArgs(j.ID, "messages", "message.send", []byte(j.Payload), strPtr(j.DedupKey), 3, int64(5000), j.RunAt, j.CreatedAt).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
			},
			wantCreated: true,
		},
		{
			name: "dedup key conflict returns the existing job",
			mockExpectations: func(mock pgxmock.PgxPoolIface, j *queue.Job, existing *queue.Job) {
				mock.ExpectExec(regexp.QuoteMeta(insertJobSql)).
					WithArgs(test.GenerateAnyPgxArgs(9)...).
					WillReturnResult(pgxmock.NewResult("INSERT", 0))
				mock.ExpectQuery(regexp.QuoteMeta(findDuplicateJobSql)).
					WithArgs("messages", j.DedupKey).
					WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(existing, queue.StateActive, 1)...))
			},
			wantExisting: true,
		},
		{
			name: "conflicting job finished before the lookup",
			mockExpectations: func(mock pgxmock.PgxPoolIface, j *queue.Job, _ *queue.Job) {
				mock.ExpectExec(regexp.QuoteMeta(insertJobSql)).
					WithArgs(test.GenerateAnyPgxArgs(9)...).
					WillReturnResult(pgxmock.NewResult("INSERT", 0))
				mock.ExpectQuery(regexp.QuoteMeta(findDuplicateJobSql)).
					WithArgs("messages", j.DedupKey).
					WillReturnRows(pgxmock.NewRows(jobCols))
				mock.ExpectExec(regexp.QuoteMeta(insertJobSql)).
					WithArgs(test.GenerateAnyPgxArgs(9)...).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
			},
			wantCreated: true,
		},
		{
			name: "simulate error when inserting",
			mockExpectations: func(mock pgxmock.PgxPoolIface, _ *queue.Job, _ *queue.Job) {
				mock.ExpectExec(regexp.QuoteMeta(insertJobSql)).
					WithArgs(test.GenerateAnyPgxArgs(9)...).
					WillReturnError(errors.New("error#1"))
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockJobStore(t)
			j, existing := newJob(), newJob()
			tc.mockExpectations(mock, j, existing)

			stored, created, err := s.Add(context.Background(), j)
			test.AssertError(t, err, tc.wantErr)
			assert.Equal(t, tc.wantCreated, created)
			if tc.wantCreated {
				assert.Equal(t, j.ID, stored.ID)
			}
			if tc.wantExisting {
				assert.Equal(t, existing.ID, stored.ID)
				assert.Equal(t, queue.StateActive, stored.State)
				assert.Equal(t, time.Second*5, stored.BackoffBase)
				assert.Equal(t, j.DedupKey, stored.DedupKey)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestJobStore_Claim(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("no due job", func(t *testing.T) {
		s, mock := newMockJobStore(t)
		mock.ExpectQuery(regexp.QuoteMeta(claimJobSql)).
			WithArgs("messages", now, now.Add(time.Minute)).
			WillReturnRows(pgxmock.NewRows(jobCols))
		j, err := s.Claim(context.Background(), "messages", now, time.Minute)
		assert.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("due job is leased", func(t *testing.T) {
		s, mock := newMockJobStore(t)
		want := newJob()
		mock.ExpectQuery(regexp.QuoteMeta(claimJobSql)).
			WithArgs("messages", now, now.Add(time.Minute)).
			WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(want, queue.StateActive, 1)...))
		j, err := s.Claim(context.Background(), "messages", now, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want.ID, j.ID)
		assert.Equal(t, 1, j.Attempts)
		assert.JSONEq(t, string(want.Payload), string(j.Payload))
	})
}

func TestJobStore_transitions(t *testing.T) {
	id := uuid.New()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	testcases := []struct {
		name     string
		sql      string
		args     []any
		finish   func(s *JobStore) error
		affected int64
		wantErr  error
	}{
		{
			name:     "complete under the lease",
			sql:      completeJobSql,
			args:     []any{id, 2, now},
			finish:   func(s *JobStore) error { return s.Complete(context.Background(), id, 2, now) },
			affected: 1,
		},
		{
			name:     "retry under the lease",
			sql:      retryJobSql,
			args:     []any{id, 2, now.Add(time.Second * 10), "boom"},
			finish:   func(s *JobStore) error { return s.Retry(context.Background(), id, 2, now.Add(time.Second*10), "boom") },
			affected: 1,
		},
		{
			name:     "bury under the lease",
			sql:      buryJobSql,
			args:     []any{id, 2, now, "boom"},
			finish:   func(s *JobStore) error { return s.Bury(context.Background(), id, 2, now, "boom") },
			affected: 1,
		},
		{
			name:    "complete after the lease was reclaimed",
			sql:     completeJobSql,
			args:    []any{id, 1, now},
			finish:  func(s *JobStore) error { return s.Complete(context.Background(), id, 1, now) },
			wantErr: queue.ErrLeaseLost,
		},
		{
			name:    "bury after the lease was reclaimed",
			sql:     buryJobSql,
			args:    []any{id, 1, now, "boom"},
			finish:  func(s *JobStore) error { return s.Bury(context.Background(), id, 1, now, "boom") },
			wantErr: queue.ErrLeaseLost,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockJobStore(t)
			mock.ExpectExec(regexp.QuoteMeta(tc.sql)).WithArgs(tc.args...).
				WillReturnResult(pgxmock.NewResult("UPDATE", tc.affected))

			err := tc.finish(s)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestJobStore_RequeueStalledAndDead(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s, mock := newMockJobStore(t)
	stalled, dead := newJob(), newJob()

	mock.ExpectQuery(regexp.QuoteMeta(requeueStalledSql)).WithArgs("bulk", now).
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow(jobRow(stalled, queue.StateWaiting, 1)...).
			AddRow(jobRow(dead, queue.StateDead, 3)...))
	limit := 20
	mock.ExpectQuery(regexp.QuoteMeta(findDeadJobsSql)).WithArgs("bulk", &limit).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(dead, queue.StateDead, 3)...))

	jobs, err := s.RequeueStalled(context.Background(), "bulk", now)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, queue.StateWaiting, jobs[0].State)
	assert.Equal(t, queue.StateDead, jobs[1].State)

	dl, err := s.Dead(context.Background(), "bulk", limit)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, dead.ID, dl[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_DeadWithoutLimit(t *testing.T) {
	s, mock := newMockJobStore(t)
	var all *int
	mock.ExpectQuery(regexp.QuoteMeta(findDeadJobsSql)).WithArgs("messages", all).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(newJob(), queue.StateDead, 3)...))

	dl, err := s.Dead(context.Background(), "messages", 0)
	require.NoError(t, err)
	assert.Len(t, dl, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
