// Package repository declares the persistence contracts of the pipeline.
// Implementations live in the pgxv5 (outbox, jobs, stamps) and gorm
// (campaign aggregates) subpackages.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a single record lookup has no result.
var ErrNotFound = errors.New("record not found")

// TxKey is the context key under which the business transaction travels.
type TxKey any

// OutboxRecord contains all the information stored in the underlying outbox
// table.
type OutboxRecord struct {
	Id            uuid.UUID
	AggregateType string
	AggregateId   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	ErrorMessage  *string
}

// Outbox manages outbox records persistent operations.
type Outbox interface {

	// Save persists an outbox record. This operation should be called inside
	// an existing business transaction provided in the context.
	Save(ctx context.Context, o *OutboxRecord) error

	// FindUnprocessed returns up to limit records that have not been processed
	// and have fewer than maxRetries failed attempts, oldest first. Records
	// whose id is in exclude are skipped.
	FindUnprocessed(ctx context.Context, limit int, maxRetries int, exclude []uuid.UUID) ([]*OutboxRecord, error)

	// MarkProcessed sets processed_at. It is a no-op for records already
	// processed.
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	// MarkFailed increments retry_count and stores the error message.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// MarkDead stores the error message and raises retry_count to at least
	// maxRetries so the record is never selected again.
	MarkDead(ctx context.Context, id uuid.UUID, maxRetries int, errMsg string) error

	// DeadLetters returns unprocessed records that exhausted maxRetries, at
	// most limit of them unless limit is zero or less.
	DeadLetters(ctx context.Context, maxRetries int, limit int) ([]*OutboxRecord, error)

	// CountDeadLetters counts unprocessed records that exhausted maxRetries.
	CountDeadLetters(ctx context.Context, maxRetries int) (int, error)
}

// Stamps mutates the loyalty card balance.
type Stamps interface {

	// IncrementStamps adds n stamps to the customer inside the transaction
	// carried by ctx and returns the new count together with the stamps
	// required by the business.
	IncrementStamps(ctx context.Context, businessID, customerID uuid.UUID, n int) (count int, required int, err error)
}

// Transactor runs fn inside a business transaction stored in the context
// passed to fn.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// InactivityThreshold is a distinct (business, days) pair configured by an
// active days_inactive campaign.
type InactivityThreshold struct {
	BusinessID uuid.UUID
	Days       int
}

// Campaigns reads campaigns and applies compare-and-set status updates.
type Campaigns interface {
	Get(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)

	// FindActiveByTrigger returns the active campaigns of the business with
	// the given trigger type.
	FindActiveByTrigger(ctx context.Context, businessID uuid.UUID, t campaign.TriggerType) ([]*campaign.Campaign, error)

	// FindDue returns scheduled campaigns whose scheduled_for is not after now.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*campaign.Campaign, error)

	// Transition moves the campaign to next only if its current status is one
	// of the allowed predecessors. It reports whether a row changed.
	Transition(ctx context.Context, id uuid.UUID, next campaign.Status, at time.Time) (bool, error)

	// Schedule moves a draft campaign to scheduled.
	Schedule(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// DeleteDraft removes a campaign only while it is a draft.
	DeleteDraft(ctx context.Context, id uuid.UUID) (bool, error)

	// IncrementCounts atomically adds to sent_count and failed_count.
	IncrementCounts(ctx context.Context, id uuid.UUID, sent, failed int) error

	// InactivityThresholds lists the distinct thresholds of active
	// days_inactive campaigns.
	InactivityThresholds(ctx context.Context) ([]InactivityThreshold, error)
}

// Customers reads the customer read model.
type Customers interface {
	Get(ctx context.Context, businessID, id uuid.UUID) (*campaign.Customer, error)

	// FindByBusiness returns every customer of the business.
	FindByBusiness(ctx context.Context, businessID uuid.UUID) ([]*campaign.Customer, error)

	// FindInactive returns the customers whose last activity falls in
	// [from, to).
	FindInactive(ctx context.Context, businessID uuid.UUID, from, to time.Time) ([]*campaign.Customer, error)
}

// Sends persists per-recipient campaign messages. Every status change is a
// monotonic compare-and-set.
type Sends interface {

	// Create inserts the send if no row with the same id exists and reports
	// whether it was inserted.
	Create(ctx context.Context, s *campaign.Send) (bool, error)

	Get(ctx context.Context, id uuid.UUID) (*campaign.Send, error)

	// Exists reports whether the customer already has a send for the campaign.
	Exists(ctx context.Context, campaignID, customerID uuid.UUID) (bool, error)

	// MarkSent records the provider message id and moves the send to sent.
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) (bool, error)

	// MarkFailed moves a non-terminal send to failed.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)

	// AdvanceByProviderID moves the send identified by the provider message id
	// to next, stamping the matching timestamp once.
	AdvanceByProviderID(ctx context.Context, providerMessageID string, next campaign.SendStatus, at time.Time) (bool, error)
}

// Businesses reads merchants and tracks their gateway connection.
type Businesses interface {
	Get(ctx context.Context, id uuid.UUID) (*campaign.Business, error)
	SetGatewayConnected(ctx context.Context, id uuid.UUID, connected bool) error
}
