// Package queue implements the durable job queue that executes outbound
// message work: bounded concurrency, exponential backoff retries,
// dedup keys, stalled-job recovery and dead-letter inspection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/metrics"
	"github.com/google/uuid"
)

const (
	defaultConcurrency     int           = 5
	defaultMaxAttempts     int           = 3
	defaultBackoffBase     time.Duration = time.Second * 5
	defaultPollInterval    time.Duration = time.Second
	defaultLease           time.Duration = time.Minute * 5
	defaultStalledInterval time.Duration = time.Second * 30
	defaultJobTimeout      time.Duration = time.Minute * 2
	defaultStoreTimeout    time.Duration = time.Second * 5
)

// Settings holds the queue configuration.
type Settings struct {
	Concurrency     int           // number of concurrent workers
	MaxAttempts     int           // default attempts per job
	BackoffBase     time.Duration // default base delay of the exponential backoff
	PollInterval    time.Duration // idle wait between claims when the queue is empty
	Lease           time.Duration // time a claimed job may run before it is considered stalled
	StalledInterval time.Duration // interval between stalled-job sweeps
	JobTimeout      time.Duration // deadline of a single handler invocation
	StoreTimeout    time.Duration // deadline of a single store call
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.Concurrency <= 0 {
		s.Concurrency = defaultConcurrency
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = defaultBackoffBase
	}
	if s.PollInterval <= 0 {
		s.PollInterval = defaultPollInterval
	}
	if s.Lease <= 0 {
		s.Lease = defaultLease
	}
	if s.StalledInterval <= 0 {
		s.StalledInterval = defaultStalledInterval
	}
	if s.JobTimeout <= 0 {
		s.JobTimeout = defaultJobTimeout
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = defaultStoreTimeout
	}
	if s.Lease < s.JobTimeout {
		s.Lease = s.JobTimeout + s.JobTimeout/2
	}
}

// Handler executes a job. Returning nil completes it; returning an error
// schedules a retry unless attempts are exhausted or the error is Permanent.
type Handler func(ctx context.Context, job *Job) error

// EventType is a job lifecycle signal.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is emitted to listeners after the store reflects the transition.
// Dead is set when the job will not be retried automatically.
type Event struct {
	Type EventType
	Job  *Job
	Err  error
	Dead bool
}

// Listener consumes lifecycle events.
type Listener func(ctx context.Context, e Event)

// Queue is a named logical queue backed by a Store.
type Queue struct {
	name     string
	store    Store
	settings Settings
	logger   logger.Logger
	now      func() time.Time

	completedCtr metrics.Counter
	failedCtr    metrics.Counter
	deadCtr      metrics.Counter

	mu        sync.RWMutex
	handlers  map[string]Handler
	listeners []Listener

	wake     chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stateMu  sync.Mutex
	started  bool
	stopped  bool
	inFlight sync.WaitGroup
}

// opt allows optional configuration.
type opt func(q *Queue)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(q *Queue) {
		q.logger = logger.OrNop(l)
	}
}

// WithCounters configures counters for completed, failed (per attempt) and
// dead-lettered jobs.
func WithCounters(completed, failed, dead metrics.Counter) opt {
	return func(q *Queue) {
		q.completedCtr = metrics.OrNop(completed)
		q.failedCtr = metrics.OrNop(failed)
		q.deadCtr = metrics.OrNop(dead)
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) opt {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(name string, store Store, s Settings, options ...opt) *Queue {
	if name == "" {
		panic("queue name is mandatory")
	}
	if store == nil {
		panic("store is mandatory")
	}
	validateSettings(&s)

	q := &Queue{
		name:         name,
		store:        store,
		settings:     s,
		logger:       &logger.NopLogger{},
		now:          time.Now,
		completedCtr: &metrics.NopCounter{},
		failedCtr:    &metrics.NopCounter{},
		deadCtr:      &metrics.NopCounter{},
		handlers:     make(map[string]Handler),
		wake:         make(chan struct{}, s.Concurrency),
		stopCh:       make(chan struct{}),
	}
	for _, o := range options {
		o(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Handle registers the handler of a job type.
func (q *Queue) Handle(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// On registers a lifecycle listener.
func (q *Queue) On(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(j *Job)

// WithDedupKey prevents a second waiting or active job with the same key.
func WithDedupKey(key string) EnqueueOption {
	return func(j *Job) { j.DedupKey = key }
}

// WithMaxAttempts overrides the queue default attempts.
func WithMaxAttempts(n int) EnqueueOption {
	return func(j *Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithDelay postpones the first execution.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *Job) { j.RunAt = j.RunAt.Add(d) }
}

// WithBackoff overrides the base backoff delay.
func WithBackoff(base time.Duration) EnqueueOption {
	return func(j *Job) {
		if base > 0 {
			j.BackoffBase = base
		}
	}
}

// Enqueue persists a job and returns it. With a dedup key matching a waiting
// or active job, the existing job is returned with Duplicate set.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...EnqueueOption) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not marshal the job payload: %w", err)
	}
	now := q.now()
	job := &Job{
		ID:          uuid.New(),
		Queue:       q.name,
		Type:        jobType,
		Payload:     raw,
		State:       StateWaiting,
		MaxAttempts: q.settings.MaxAttempts,
		BackoffBase: q.settings.BackoffBase,
		RunAt:       now,
		CreatedAt:   now,
	}
	for _, o := range opts {
		o(job)
	}

	sctx, cancel := context.WithTimeout(ctx, q.settings.StoreTimeout)
	defer cancel()
	stored, created, err := q.store.Add(sctx, job)
	if err != nil {
		return nil, fmt.Errorf("could not persist the job: %w", err)
	}
	if !created {
		stored.Duplicate = true
		q.logger.Debug(fmt.Sprintf("job with dedup key '%s' already queued as %s", job.DedupKey, stored.ID))
		return stored, nil
	}
	q.notify()
	return stored, nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// DeadLetters lists jobs that exhausted their attempts. A limit of zero or
// less lists all of them.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	return q.store.Dead(ctx, q.name, limit)
}

// Start launches the workers and the stalled-job sweeper. Calling it more
// than once has no effect.
func (q *Queue) Start(ctx context.Context) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true

	q.logger.Info(fmt.Sprintf("starting queue '%s' with %d workers", q.name, q.settings.Concurrency))
	for i := 0; i < q.settings.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.wg.Add(1)
	go q.sweepStalled(ctx)
}

// Stop stops claiming new jobs and waits for running handlers to return.
// Handlers are not cancelled. Calling it more than once has no effect.
func (q *Queue) Stop() {
	q.stateMu.Lock()
	if q.stopped {
		q.stateMu.Unlock()
		return
	}
	q.stopped = true
	close(q.stopCh)
	q.stateMu.Unlock()

	q.logger.Info(fmt.Sprintf("stopping queue '%s'", q.name))
	q.wg.Wait()
	q.inFlight.Wait()
	q.logger.Info(fmt.Sprintf("queue '%s' stopped", q.name))
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	q.logger.Debug(fmt.Sprintf("queue '%s' worker %d started", q.name, id))

	ticker := time.NewTicker(q.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if q.ProcessNext(ctx) {
			continue
		}

		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and runs one due job. It reports whether a job was
// processed.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	// in-flight work must survive cancellation of the worker context
	base := context.WithoutCancel(ctx)

	sctx, cancel := context.WithTimeout(base, q.settings.StoreTimeout)
	job, err := q.store.Claim(sctx, q.name, q.now(), q.settings.Lease)
	cancel()
	if err != nil {
		q.logger.Error(fmt.Sprintf("queue '%s' could not claim a job", q.name), err)
		return false
	}
	if job == nil {
		return false
	}

	q.inFlight.Add(1)
	defer q.inFlight.Done()
	q.run(base, job)
	return true
}

func (q *Queue) run(ctx context.Context, job *Job) {
	q.mu.RLock()
	h, ok := q.handlers[job.Type]
	q.mu.RUnlock()

	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler registered for job type '%s'", job.Type))
	} else {
		hctx, cancel := context.WithTimeout(ctx, q.settings.JobTimeout)
		err = q.invoke(hctx, h, job)
		cancel()
	}

	sctx, cancel := context.WithTimeout(ctx, q.settings.StoreTimeout)
	defer cancel()
	now := q.now()

	if err == nil {
		if serr := q.store.Complete(sctx, job.ID, job.Attempts, now); serr != nil {
			q.finishFailed(job, "complete", serr)
			return
		}
		job.State = StateCompleted
		job.FinishedAt = &now
		q.completedCtr.Inc(1)
		q.logger.Debug(fmt.Sprintf("job %s (%s) completed after %d attempts", job.ID, job.Type, job.Attempts))
		q.emit(ctx, Event{Type: EventCompleted, Job: job})
		return
	}

	q.failedCtr.Inc(1)
	job.LastError = err.Error()
	if IsPermanent(err) || job.LastAttempt() {
		if serr := q.store.Bury(sctx, job.ID, job.Attempts, now, err.Error()); serr != nil {
			q.finishFailed(job, "dead-letter", serr)
			return
		}
		job.State = StateDead
		job.FinishedAt = &now
		q.deadCtr.Inc(1)
		q.logger.Error(fmt.Sprintf("job %s (%s) dead-lettered after %d attempts", job.ID, job.Type, job.Attempts), err)
		q.emit(ctx, Event{Type: EventFailed, Job: job, Err: err, Dead: true})
		return
	}

	delay := Backoff(job.BackoffBase, job.Attempts)
	runAt := now.Add(delay)
	if serr := q.store.Retry(sctx, job.ID, job.Attempts, runAt, err.Error()); serr != nil {
		q.finishFailed(job, "schedule a retry of", serr)
		return
	}
	job.State = StateWaiting
	job.RunAt = runAt
	q.logger.Warn(fmt.Sprintf("job %s (%s) failed on attempt %d/%d, retrying in %s: %v", job.ID, job.Type, job.Attempts, job.MaxAttempts, delay, err))
	q.emit(ctx, Event{Type: EventFailed, Job: job, Err: err})
}

// finishFailed logs a store error on the final transition of a run. A lost
// lease means RequeueStalled already handed the job to another attempt, whose
// outcome wins; no event is emitted for this one.
func (q *Queue) finishFailed(job *Job, action string, err error) {
	if errors.Is(err, ErrLeaseLost) {
		q.logger.Warn(fmt.Sprintf("job %s (%s) lost its lease during attempt %d, result discarded", job.ID, job.Type, job.Attempts))
		return
	}
	q.logger.Error(fmt.Sprintf("could not %s job %s", action, job.ID), err)
}

func (q *Queue) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) emit(ctx context.Context, e Event) {
	q.mu.RLock()
	listeners := make([]Listener, len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error(fmt.Sprintf("listener panic on %s event of job %s", e.Type, e.Job.ID), fmt.Errorf("%v", r))
				}
			}()
			l(ctx, e)
		}()
	}
}

func (q *Queue) sweepStalled(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.settings.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.RecoverStalled(ctx)
		}
	}
}

// RecoverStalled releases jobs whose lease expired and emits a stalled event
// for each of them.
func (q *Queue) RecoverStalled(ctx context.Context) int {
	sctx, cancel := context.WithTimeout(ctx, q.settings.StoreTimeout)
	defer cancel()
	jobs, err := q.store.RequeueStalled(sctx, q.name, q.now())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			q.logger.Error(fmt.Sprintf("queue '%s' could not recover stalled jobs", q.name), err)
		}
		return 0
	}
	for _, j := range jobs {
		dead := j.State == StateDead
		if dead {
			q.deadCtr.Inc(1)
		}
		q.logger.Warn(fmt.Sprintf("job %s (%s) stalled after %d attempts", j.ID, j.Type, j.Attempts))
		q.emit(ctx, Event{Type: EventStalled, Job: j, Err: errors.New(j.LastError), Dead: dead})
	}
	if len(jobs) > 0 {
		q.notify()
	}
	return len(jobs)
}
