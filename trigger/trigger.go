// Package trigger matches domain events against the trigger rules of active
// campaigns and enqueues one message job per match.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/delivery"
	"github.com/3rs4lg4d0/stampbox/event"
	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/metrics"
	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/google/uuid"
)

const defaultEvaluationTimeout time.Duration = time.Second * 30

// Settings holds the evaluator configuration.
type Settings struct {
	EvaluationTimeout time.Duration // deadline of the asynchronous evaluation of one event
	MaxAttempts       int           // attempts of each message job, 0 uses the queue default
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.EvaluationTimeout <= 0 {
		s.EvaluationTimeout = defaultEvaluationTimeout
	}
	if s.MaxAttempts < 0 {
		s.MaxAttempts = 0
	}
}

// triggers maps each event kind to the campaign trigger it fires.
var triggers = map[event.Kind]campaign.TriggerType{
	event.KindEnrolled:       campaign.TriggerCustomerEnrolled,
	event.KindStampsReached:  campaign.TriggerStampsReached,
	event.KindRewardUnlocked: campaign.TriggerRewardUnlocked,
	event.KindInactive:       campaign.TriggerDaysInactive,
}

// DedupKey identifies the message of a campaign for one customer and one
// occurrence of the triggering fact.
func DedupKey(campaignID, customerID uuid.UUID, kind event.Kind, value int) string {
	return fmt.Sprintf("%s:%s:%s:%d", campaignID, customerID, kind, value)
}

// Evaluator turns domain events into message.send jobs.
type Evaluator struct {
	settings    Settings
	campaigns   repository.Campaigns
	customers   repository.Customers
	businesses  repository.Businesses
	queue       delivery.Enqueuer
	logger      logger.Logger
	enqueuedCtr metrics.Counter
	skippedCtr  metrics.Counter

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// opt allows optional configuration.
type opt func(e *Evaluator)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(e *Evaluator) {
		e.logger = logger.OrNop(l)
	}
}

// WithCounters configures counters for enqueued jobs and for matches skipped
// because the customer no longer exists.
func WithCounters(enqueued, skipped metrics.Counter) opt {
	return func(e *Evaluator) {
		e.enqueuedCtr = metrics.OrNop(enqueued)
		e.skippedCtr = metrics.OrNop(skipped)
	}
}

func New(s Settings, campaigns repository.Campaigns, customers repository.Customers, businesses repository.Businesses,
	q delivery.Enqueuer, options ...opt) *Evaluator {
	if campaigns == nil || customers == nil || businesses == nil || q == nil {
		panic("you must provide the campaign, customer and business repositories and a queue")
	}
	validateSettings(&s)
	e := &Evaluator{
		settings:    s,
		campaigns:   campaigns,
		customers:   customers,
		businesses:  businesses,
		queue:       q,
		logger:      &logger.NopLogger{},
		enqueuedCtr: &metrics.NopCounter{},
		skippedCtr:  &metrics.NopCounter{},
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Register subscribes the evaluator to every event kind of the bus and
// returns a function that removes the subscriptions. The bus handler only
// starts the evaluation; the repositories and the queue are called from a
// separate goroutine so the publisher never waits on I/O.
func (e *Evaluator) Register(bus *event.Bus) func() {
	var unsubscribe []func()
	for kind := range triggers {
		unsubscribe = append(unsubscribe, bus.Subscribe(kind, e.handle))
	}
	return func() {
		for _, u := range unsubscribe {
			u()
		}
	}
}

func (e *Evaluator) handle(ctx context.Context, ev event.Event) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn(fmt.Sprintf("evaluator is closed, dropping %s", ev))
		return nil
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.settings.EvaluationTimeout)
		defer cancel()
		if _, err := e.Evaluate(ectx, ev); err != nil {
			e.logger.Error(fmt.Sprintf("could not evaluate %s", ev), err)
		}
	}()
	return nil
}

// Close stops accepting events from the bus and waits like Wait for the
// evaluations already started.
func (e *Evaluator) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.Wait(ctx)
}

// Wait blocks until every evaluation started by the bus has finished or ctx
// is done.
func (e *Evaluator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for trigger evaluations: %w", ctx.Err())
	}
}

// Evaluate enqueues one message job per active campaign of the business
// whose trigger matches the event and returns how many were enqueued.
// Threshold triggers match only when the configured value equals the event
// value. A customer that no longer exists is skipped.
func (e *Evaluator) Evaluate(ctx context.Context, ev event.Event) (int, error) {
	tt, ok := triggers[ev.Kind]
	if !ok {
		return 0, fmt.Errorf("unknown event kind '%s'", ev.Kind)
	}
	candidates, err := e.campaigns.FindActiveByTrigger(ctx, ev.BusinessID, tt)
	if err != nil {
		return 0, fmt.Errorf("could not load the campaigns of business %s: %w", ev.BusinessID, err)
	}

	var matched []*campaign.Campaign
	for _, c := range candidates {
		if c.MatchesThreshold(ev.Value) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}

	cu, err := e.customers.Get(ctx, ev.BusinessID, ev.CustomerID)
	if errors.Is(err, repository.ErrNotFound) {
		e.skippedCtr.Inc(int64(len(matched)))
		e.logger.Warn(fmt.Sprintf("customer %s no longer exists, %d campaigns skipped for %s", ev.CustomerID, len(matched), ev))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("could not load customer %s: %w", ev.CustomerID, err)
	}
	business, err := e.businesses.Get(ctx, ev.BusinessID)
	if err != nil {
		return 0, fmt.Errorf("could not load business %s: %w", ev.BusinessID, err)
	}

	data := campaign.RenderData{CustomerName: cu.Name, Stamps: cu.StampCount, BusinessName: business.Name}
	switch ev.Kind {
	case event.KindStampsReached:
		data.Stamps = ev.Value
	case event.KindInactive:
		data.Days = ev.Value
	}

	var enqueued int
	for _, c := range matched {
		opts := []queue.EnqueueOption{queue.WithDedupKey(DedupKey(c.ID, cu.ID, ev.Kind, ev.Value))}
		if e.settings.MaxAttempts > 0 {
			opts = append(opts, queue.WithMaxAttempts(e.settings.MaxAttempts))
		}
		job, err := e.queue.Enqueue(ctx, delivery.JobSendMessage, delivery.MessageJob{
			SendID:     uuid.New(),
			CampaignID: c.ID,
			BusinessID: ev.BusinessID,
			CustomerID: cu.ID,
			Phone:      cu.Phone,
			Text:       campaign.Render(c.MessageTemplate, data),
			MediaURL:   c.MediaURL,
		}, opts...)
		if err != nil {
			return enqueued, fmt.Errorf("could not enqueue the message of campaign %s: %w", c.ID, err)
		}
		if job.Duplicate {
			continue
		}
		enqueued++
		e.enqueuedCtr.Inc(1)
	}
	e.logger.Debug(fmt.Sprintf("%s matched %d campaigns, %d jobs enqueued", ev, len(matched), enqueued))
	return enqueued, nil
}
