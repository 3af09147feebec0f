package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. It honours the same claim and dedup
// guarantees as the Postgres store but does not survive restarts.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*Job)}
}

func clone(j *Job) *Job {
	c := *j
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		c.LockedUntil = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	c.Payload = append([]byte(nil), j.Payload...)
	return &c
}

func (s *MemoryStore) Add(_ context.Context, job *Job) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.DedupKey != "" {
		for _, j := range s.jobs {
			if j.Queue == job.Queue && j.DedupKey == job.DedupKey &&
				(j.State == StateWaiting || j.State == StateActive) {
				return clone(j), false, nil
			}
		}
	}
	s.jobs[job.ID] = clone(job)
	return clone(job), true, nil
}

func (s *MemoryStore) Claim(_ context.Context, queue string, now time.Time, lease time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *Job
	for _, j := range s.jobs {
		if j.Queue != queue || j.State != StateWaiting || j.RunAt.After(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) ||
			(j.RunAt.Equal(next.RunAt) && j.CreatedAt.Before(next.CreatedAt)) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	until := now.Add(lease)
	next.State = StateActive
	next.Attempts++
	next.LockedUntil = &until
	return clone(next), nil
}

// leased returns the job when it is still active under the given attempt.
func (s *MemoryStore) leased(id uuid.UUID, attempts int) (*Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if j.State != StateActive || j.Attempts != attempts {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (s *MemoryStore) Complete(_ context.Context, id uuid.UUID, attempts int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.leased(id, attempts)
	if err != nil {
		return err
	}
	j.State = StateCompleted
	j.LockedUntil = nil
	j.FinishedAt = &now
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, id uuid.UUID, attempts int, runAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.leased(id, attempts)
	if err != nil {
		return err
	}
	j.State = StateWaiting
	j.RunAt = runAt
	j.LastError = lastErr
	j.LockedUntil = nil
	return nil
}

func (s *MemoryStore) Bury(_ context.Context, id uuid.UUID, attempts int, now time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.leased(id, attempts)
	if err != nil {
		return err
	}
	j.State = StateDead
	j.LastError = lastErr
	j.LockedUntil = nil
	j.FinishedAt = &now
	return nil
}

func (s *MemoryStore) RequeueStalled(_ context.Context, queue string, now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stalled []*Job
	for _, j := range s.jobs {
		if j.Queue != queue || j.State != StateActive || j.LockedUntil == nil || !j.LockedUntil.Before(now) {
			continue
		}
		j.LockedUntil = nil
		j.LastError = "job stalled"
		if j.Attempts >= j.MaxAttempts {
			j.State = StateDead
			j.FinishedAt = &now
		} else {
			j.State = StateWaiting
			j.RunAt = now
		}
		stalled = append(stalled, clone(j))
	}
	return stalled, nil
}

func (s *MemoryStore) Dead(_ context.Context, queue string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead []*Job
	for _, j := range s.jobs {
		if j.Queue == queue && j.State == StateDead {
			dead = append(dead, clone(j))
		}
	}
	sort.Slice(dead, func(a, b int) bool { return dead[a].CreatedAt.Before(dead[b].CreatedAt) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

// Jobs returns a snapshot of every job of the queue, oldest first.
func (s *MemoryStore) Jobs(queue string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if j.Queue == queue {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}
