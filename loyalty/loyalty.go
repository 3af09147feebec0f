// Package loyalty applies the stamp card mutations that feed the messaging
// pipeline. Side effects for other services are written to the outbox in the
// same transaction; the domain events that drive campaign triggers are
// published once the transaction committed.
package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/stampbox/delivery"
	"github.com/3rs4lg4d0/stampbox/event"
	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/outbox"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/google/uuid"
)

var (
	ErrInvalidStamps  = errors.New("the number of stamps must be positive")
	ErrInvalidMessage = errors.New("the message text is mandatory")
)

// OutboxPublisher writes outbox records in the transaction of the context.
type OutboxPublisher interface {
	Publish(ctx context.Context, o *outbox.Outbox) error
}

var _ OutboxPublisher = (*outbox.Publisher)(nil)

// PassUpdate is the payload of the pass_update outbox records consumed by
// the wallet pass service.
type PassUpdate struct {
	BusinessID     uuid.UUID `json:"businessId"`
	CustomerID     uuid.UUID `json:"customerId"`
	Stamps         int       `json:"stamps"`
	StampsRequired int       `json:"stampsRequired"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Result describes the card after AddStamps.
type Result struct {
	Stamps         int  `json:"stamps"`
	StampsRequired int  `json:"stampsRequired"`
	RewardUnlocked bool `json:"rewardUnlocked"`
}

// Service records stamps and direct messages.
type Service struct {
	tx     repository.Transactor
	stamps repository.Stamps
	outbox OutboxPublisher
	bus    event.Publisher
	logger logger.Logger
	now    func() time.Time
}

func New(tx repository.Transactor, stamps repository.Stamps, o OutboxPublisher, bus event.Publisher, l logger.Logger) *Service {
	if tx == nil || stamps == nil || o == nil || bus == nil {
		panic("you must provide a transactor, a stamps repository, an outbox publisher and an event publisher")
	}
	return &Service{
		tx:     tx,
		stamps: stamps,
		outbox: o,
		bus:    bus,
		logger: logger.OrNop(l),
		now:    time.Now,
	}
}

// AddStamps adds n stamps to the card of the customer. The stamp count and
// the pass_update record commit together; stamps_reached and, when the card
// crosses the required stamps, reward_unlocked are published afterwards.
func (s *Service) AddStamps(ctx context.Context, businessID, customerID uuid.UUID, n int) (Result, error) {
	if n <= 0 {
		return Result{}, ErrInvalidStamps
	}
	var res Result
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		count, required, err := s.stamps.IncrementStamps(ctx, businessID, customerID, n)
		if err != nil {
			return err
		}
		res = Result{Stamps: count, StampsRequired: required}
		payload, err := json.Marshal(PassUpdate{
			BusinessID:     businessID,
			CustomerID:     customerID,
			Stamps:         count,
			StampsRequired: required,
			UpdatedAt:      s.now().UTC(),
		})
		if err != nil {
			return err
		}
		return s.outbox.Publish(ctx, &outbox.Outbox{
			AggregateType: "customer",
			AggregateId:   customerID.String(),
			EventType:     outbox.EventPassUpdate,
			Payload:       payload,
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("could not add %d stamps to customer %s: %w", n, customerID, err)
	}

	now := s.now()
	s.bus.Publish(ctx, event.Event{
		Kind:       event.KindStampsReached,
		BusinessID: businessID,
		CustomerID: customerID,
		Value:      res.Stamps,
		OccurredAt: now,
	})
	if res.StampsRequired > 0 && res.Stamps-n < res.StampsRequired && res.Stamps >= res.StampsRequired {
		res.RewardUnlocked = true
		s.bus.Publish(ctx, event.Event{
			Kind:       event.KindRewardUnlocked,
			BusinessID: businessID,
			CustomerID: customerID,
			Value:      res.Stamps,
			OccurredAt: now,
		})
	}
	s.logger.Debug(fmt.Sprintf("customer %s has %d/%d stamps", customerID, res.Stamps, res.StampsRequired))
	return res, nil
}

// Enrolled publishes the enrollment of a customer created by the card
// management service.
func (s *Service) Enrolled(ctx context.Context, businessID, customerID uuid.UUID) {
	s.bus.Publish(ctx, event.Event{
		Kind:       event.KindEnrolled,
		BusinessID: businessID,
		CustomerID: customerID,
		OccurredAt: s.now(),
	})
}

// QueueDirectMessage writes a whatsapp_message outbox record for a message
// that belongs to no campaign (merchant test sends). The phone is normalized
// before anything is written and the returned id is the outbox aggregate id.
func (s *Service) QueueDirectMessage(ctx context.Context, m delivery.DirectMessage) (uuid.UUID, error) {
	if m.Text == "" && m.MediaURL == "" {
		return uuid.Nil, ErrInvalidMessage
	}
	phone, err := gateway.NormalizePhone(m.Phone)
	if err != nil {
		return uuid.Nil, err
	}
	m.Phone = phone
	payload, err := json.Marshal(m)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.outbox.Publish(ctx, &outbox.Outbox{
			AggregateType: "message",
			AggregateId:   id.String(),
			EventType:     outbox.EventWhatsAppMessage,
			Payload:       payload,
		})
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("could not queue the message to %s: %w", phone, err)
	}
	return id, nil
}
