// Package event implements the in-process domain event bus. The bus is
// constructed explicitly and injected into publishers and subscribers; it
// has no persistence and no cross-process delivery.
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/metrics"
	"github.com/google/uuid"
)

// Kind identifies a behavioral event.
type Kind string

const (
	KindEnrolled       Kind = "customer.enrolled"
	KindStampsReached  Kind = "customer.stamps_reached"
	KindRewardUnlocked Kind = "customer.reward_unlocked"
	KindInactive       Kind = "customer.inactive"
)

// Kinds lists every published kind.
var Kinds = []Kind{KindEnrolled, KindStampsReached, KindRewardUnlocked, KindInactive}

// Event is a transient domain event. Value carries the numeric fact of the
// event: the stamp count for stamps_reached and the number of days for
// inactive.
type Event struct {
	Kind       Kind
	BusinessID uuid.UUID
	CustomerID uuid.UUID
	Value      int
	Metadata   map[string]string
	OccurredAt time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%s{business=%s, customer=%s, value=%d}", e.Kind, e.BusinessID, e.CustomerID, e.Value)
}

// Publisher is implemented by Bus and accepted by the components that only
// emit events.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

var _ Publisher = (*Bus)(nil)

// Handler consumes an event. Returned errors are logged by the bus.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	id      int
	handler Handler
}

// Bus is a synchronous publish/subscribe hub.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Kind][]subscription
	nextID   int
	logger   logger.Logger
	pubCtr   metrics.Counter
	errorCtr metrics.Counter
}

// opt allows optional configuration.
type opt func(b *Bus)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(b *Bus) {
		b.logger = logger.OrNop(l)
	}
}

// WithCounters configures counters for published events and failed handlers.
func WithCounters(published, failed metrics.Counter) opt {
	return func(b *Bus) {
		b.pubCtr = metrics.OrNop(published)
		b.errorCtr = metrics.OrNop(failed)
	}
}

func NewBus(options ...opt) *Bus {
	b := &Bus{
		subs:     make(map[Kind][]subscription),
		logger:   &logger.NopLogger{},
		pubCtr:   &metrics.NopCounter{},
		errorCtr: &metrics.NopCounter{},
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// Subscribe registers h for events of the given kind. The returned function
// removes the subscription.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	if h == nil {
		panic("handler is mandatory")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[kind]
		for i, s := range subs {
			if s.id == id {
				b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to every current subscriber of its kind, in
// subscription order. A failing or panicking handler is logged and never
// affects the other handlers or the publisher.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[e.Kind]))
	copy(subs, b.subs[e.Kind])
	b.mu.RUnlock()

	b.pubCtr.Inc(1)
	b.logger.Debug(fmt.Sprintf("publishing %s to %d subscribers", e, len(subs)))
	for _, s := range subs {
		if err := b.invoke(ctx, s.handler, e); err != nil {
			b.errorCtr.Inc(1)
			b.logger.Error(fmt.Sprintf("subscriber %d failed handling %s", s.id, e), err)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}
