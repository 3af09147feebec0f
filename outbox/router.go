package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/3rs4lg4d0/stampbox/repository"
)

// Route executes the side effect of one outbox event type.
type Route func(ctx context.Context, o *repository.OutboxRecord) error

// Router is the queue handler of outbox.deliver jobs. It dispatches each
// record to the route registered for its event type.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Route
	logger logger.Logger
}

func NewRouter(l logger.Logger) *Router {
	return &Router{
		routes: make(map[string]Route),
		logger: logger.OrNop(l),
	}
}

// Route registers the route of an event type, replacing any previous one.
func (r *Router) Route(eventType string, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[eventType] = route
}

// Handle implements queue.Handler. Records with an unknown event type are
// dead-lettered at once.
func (r *Router) Handle(ctx context.Context, job *queue.Job) error {
	var d Delivery
	if err := job.Decode(&d); err != nil {
		return queue.Permanent(fmt.Errorf("could not decode the outbox delivery: %w", err))
	}

	r.mu.RLock()
	route, ok := r.routes[d.EventType]
	r.mu.RUnlock()
	if !ok {
		return queue.Permanent(fmt.Errorf("no route for outbox event type '%s'", d.EventType))
	}

	r.logger.Debug(fmt.Sprintf("delivering outbox record %s (%s), attempt %d/%d", d.RecordID, d.EventType, job.Attempts, job.MaxAttempts))
	return route(ctx, d.Record())
}
