// Package outbox bridges the transactional outbox table to the durable job
// queue. Records are written in the business transaction by a Publisher and
// a Poller re-injects the unprocessed ones into the queue, using the record
// id as dedup key instead of table locks.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/metrics"
	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/google/uuid"
)

// Queue is the part of the job queue used by the poller.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...queue.EnqueueOption) (*queue.Job, error)
	On(l queue.Listener)
}

// Poller periodically scans the outbox and enqueues one delivery job per
// unprocessed record.
type Poller struct {
	settings     Settings
	repository   repository.Outbox
	queue        Queue
	logger       logger.Logger
	enqueuedCtr  metrics.Counter
	processedCtr metrics.Counter
	failedCtr    metrics.Counter

	mu       sync.Mutex
	inFlight map[uuid.UUID]time.Time

	stateMu sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// opt allows optional configuration.
type opt func(p *Poller)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(p *Poller) {
		p.logger = logger.OrNop(l)
	}
}

// WithCounters configures counters for enqueued, processed and failed
// deliveries.
func WithCounters(enqueued, processed, failed metrics.Counter) opt {
	return func(p *Poller) {
		p.enqueuedCtr = metrics.OrNop(enqueued)
		p.processedCtr = metrics.OrNop(processed)
		p.failedCtr = metrics.OrNop(failed)
	}
}

// New creates a poller and subscribes it to the lifecycle events of q so
// that processed_at and retry_count follow the delivery jobs.
func New(s Settings, r repository.Outbox, q Queue, options ...opt) *Poller {
	if r == nil || q == nil {
		panic("you must provide a repository and a queue")
	}
	validateSettings(&s)

	p := &Poller{
		settings:     s,
		repository:   r,
		queue:        q,
		logger:       &logger.NopLogger{},
		enqueuedCtr:  &metrics.NopCounter{},
		processedCtr: &metrics.NopCounter{},
		failedCtr:    &metrics.NopCounter{},
		inFlight:     make(map[uuid.UUID]time.Time),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, o := range options {
		o(p)
	}
	if l, ok := r.(logger.Loggable); ok {
		l.SetLogger(p.logger)
	}

	q.On(p.onJobEvent)
	return p
}

// Start launches the polling loop. The first scan happens immediately.
// Calling Start more than once has no effect.
func (p *Poller) Start(ctx context.Context) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.logger.Info(fmt.Sprintf("starting the outbox poller every %s", p.settings.PollingInterval))
	go p.loop(ctx)
}

// Stop ends the polling loop and waits for the current scan to finish or ctx
// to expire. Jobs already enqueued keep running in the queue. Calling Stop
// more than once has no effect.
func (p *Poller) Stop(ctx context.Context) error {
	p.stateMu.Lock()
	if p.stopped {
		p.stateMu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	close(p.stopCh)
	p.stateMu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-p.done:
		p.logger.Info("the outbox poller has stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for the outbox poller to stop: %w", ctx.Err())
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.settings.PollingInterval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Error("outbox poll cycle skipped", err)
		}
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs a single scan and returns the number of new jobs enqueued.
// Records already in flight in this process are excluded from the scan;
// records enqueued by another process are deduplicated by the queue.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	sctx, cancel := context.WithTimeout(ctx, p.settings.StoreTimeout)
	defer cancel()
	records, err := p.repository.FindUnprocessed(sctx, p.settings.BatchSize, p.settings.MaxRetries, p.inFlightIDs())
	if err != nil {
		return 0, fmt.Errorf("could not read the outbox: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	p.logger.Debug(fmt.Sprintf("found %d unprocessed outbox records", len(records)))
	var enqueued int
	for _, o := range records {
		maxAttempts := p.settings.MaxRetries - o.RetryCount
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		if !p.track(o.Id) {
			continue
		}
		job, err := p.queue.Enqueue(ctx, JobType, newDelivery(o),
			queue.WithDedupKey(o.Id.String()),
			queue.WithMaxAttempts(maxAttempts))
		if err != nil {
			p.untrack(o.Id)
			p.logger.Error(fmt.Sprintf("could not enqueue outbox record %s", o.Id), err)
			continue
		}
		if job.Duplicate {
			p.logger.Debug(fmt.Sprintf("outbox record %s is already queued as job %s", o.Id, job.ID))
			continue
		}
		enqueued++
		p.enqueuedCtr.Inc(1)
	}
	p.logger.Debug(fmt.Sprintf("%d outbox records enqueued", enqueued))
	return enqueued, nil
}

// DeadLetters lists the records that exhausted their retries.
func (p *Poller) DeadLetters(ctx context.Context, limit int) ([]*repository.OutboxRecord, error) {
	return p.repository.DeadLetters(ctx, p.settings.MaxRetries, limit)
}

// CountDeadLetters counts the records that exhausted their retries.
func (p *Poller) CountDeadLetters(ctx context.Context) (int, error) {
	return p.repository.CountDeadLetters(ctx, p.settings.MaxRetries)
}

// InFlight returns the number of records enqueued by this poller and not yet
// finished.
func (p *Poller) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

func (p *Poller) onJobEvent(ctx context.Context, e queue.Event) {
	if e.Job == nil || e.Job.Type != JobType {
		return
	}
	var d Delivery
	if err := e.Job.Decode(&d); err != nil {
		p.logger.Error(fmt.Sprintf("could not decode outbox job %s", e.Job.ID), err)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, p.settings.StoreTimeout)
	defer cancel()

	switch e.Type {
	case queue.EventCompleted:
		if err := p.repository.MarkProcessed(sctx, d.RecordID); err != nil {
			p.logger.Error(fmt.Sprintf("could not mark outbox record %s as processed", d.RecordID), err)
		}
		p.processedCtr.Inc(1)
		p.untrack(d.RecordID)
	case queue.EventFailed, queue.EventStalled:
		msg := "delivery failed"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		if e.Dead && queue.IsPermanent(e.Err) {
			// permanent errors are never retried, not even by a later poll
			if err := p.repository.MarkDead(sctx, d.RecordID, p.settings.MaxRetries, msg); err != nil {
				p.logger.Error(fmt.Sprintf("could not dead-letter outbox record %s", d.RecordID), err)
			}
		} else if err := p.repository.MarkFailed(sctx, d.RecordID, msg); err != nil {
			p.logger.Error(fmt.Sprintf("could not mark outbox record %s as failed", d.RecordID), err)
		}
		p.failedCtr.Inc(1)
		if e.Dead {
			p.logger.Warn(fmt.Sprintf("outbox record %s (%s) moved to dead letters: %s", d.RecordID, d.EventType, msg))
			p.untrack(d.RecordID)
		}
	}
}

func (p *Poller) track(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return false
	}
	p.inFlight[id] = time.Now()
	return true
}

func (p *Poller) untrack(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

// inFlightIDs also forgets entries older than InFlightTTL. Jobs run by
// another process never notify this poller; a forgotten record that is still
// queued is deduplicated on the next enqueue.
func (p *Poller) inFlightIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(p.inFlight))
	for id, since := range p.inFlight {
		if time.Since(since) > p.settings.InFlightTTL {
			delete(p.inFlight, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Publisher writes outbox records inside the business transaction carried by
// the context.
type Publisher struct {
	repository repository.Outbox
}

func NewPublisher(r repository.Outbox) *Publisher {
	if r == nil {
		panic("you must provide a repository")
	}
	return &Publisher{repository: r}
}

// Publish publishes a side effect reliably within a business transaction,
// utilizing the polling publisher variant of the Transactional Outbox pattern.
func (pb *Publisher) Publish(ctx context.Context, o *Outbox) error {
	return pb.repository.Save(ctx, &repository.OutboxRecord{
		AggregateType: o.AggregateType,
		AggregateId:   o.AggregateId,
		EventType:     o.EventType,
		Payload:       o.Payload,
	})
}
