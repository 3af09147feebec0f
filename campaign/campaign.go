// Package campaign holds the loyalty messaging aggregates (campaigns, their
// per-recipient sends, customers and businesses) together with the state
// machines that guard their lifecycle.
package campaign

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTransition   = errors.New("invalid campaign status transition")
	ErrNotEditable         = errors.New("campaign is not editable")
	ErrScheduleNotInFuture = errors.New("schedule time must be in the future")
)

// Status is the lifecycle state of a campaign.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TriggerType is the behavioral condition that makes a campaign eligible for
// automatic messaging.
type TriggerType string

const (
	TriggerCustomerEnrolled TriggerType = "customer_enrolled"
	TriggerStampsReached    TriggerType = "stamps_reached"
	TriggerRewardUnlocked   TriggerType = "reward_unlocked"
	TriggerDaysInactive     TriggerType = "days_inactive"
)

// HasThreshold reports whether the trigger is matched against a numeric
// threshold stored in the campaign trigger config.
func (t TriggerType) HasThreshold() bool {
	return t == TriggerStampsReached || t == TriggerDaysInactive
}

var transitions = map[Status][]Status{
	StatusDraft:      {StatusScheduled, StatusProcessing},
	StatusScheduled:  {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Campaign is a merchant configured message and its trigger rule.
type Campaign struct {
	ID              uuid.UUID
	BusinessID      uuid.UUID
	Name            string
	MessageTemplate string
	MediaURL        string
	TriggerType     TriggerType
	TriggerConfig   *int // optional numeric threshold
	Active          bool
	Status          Status
	SentCount       int
	FailedCount     int
	ScheduledFor    *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// MatchesThreshold applies the exact-match policy of threshold triggers: a
// stamps_reached campaign configured for 7 only matches a value of 7. A
// customer who jumps over the threshold with a bulk stamp is not messaged.
func (c *Campaign) MatchesThreshold(value int) bool {
	if !c.TriggerType.HasThreshold() {
		return true
	}
	return c.TriggerConfig != nil && *c.TriggerConfig == value
}

func (c *Campaign) transition(next Status) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
	}
	c.Status = next
	return nil
}

// Schedule moves a draft campaign to scheduled for a future instant.
func (c *Campaign) Schedule(at, now time.Time) error {
	if !at.After(now) {
		return ErrScheduleNotInFuture
	}
	if err := c.transition(StatusScheduled); err != nil {
		return err
	}
	c.ScheduledFor = &at
	return nil
}

// StartProcessing marks the campaign as handed to the bulk queue.
func (c *Campaign) StartProcessing() error {
	return c.transition(StatusProcessing)
}

// Complete marks every recipient as attempted.
func (c *Campaign) Complete(now time.Time) error {
	if err := c.transition(StatusCompleted); err != nil {
		return err
	}
	c.CompletedAt = &now
	return nil
}

// Fail marks a systemic failure after the bulk job exhausted its retries.
func (c *Campaign) Fail() error {
	return c.transition(StatusFailed)
}

// CanDelete reports whether the campaign can still be removed.
func (c *Campaign) CanDelete() bool {
	return c.Status == StatusDraft
}

// Customer is the read model of a stamp card holder.
type Customer struct {
	ID             uuid.UUID
	BusinessID     uuid.UUID
	Name           string
	Phone          string
	StampCount     int
	LastActivityAt *time.Time
}

// Business is the read model of a merchant.
type Business struct {
	ID               uuid.UUID
	Name             string
	StampsRequired   int
	GatewayConnected bool
}

// PredecessorsOf lists the statuses from which a campaign may move to next.
func PredecessorsOf(next Status) []Status {
	var from []Status
	for _, s := range []Status{StatusDraft, StatusScheduled, StatusProcessing, StatusCompleted, StatusFailed} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}
