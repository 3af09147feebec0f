package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/metrics"
	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/3rs4lg4d0/stampbox/repository"
)

// Sender handles message.send jobs and whatsapp_message outbox records.
type Sender struct {
	sends     repository.Sends
	campaigns repository.Campaigns
	gateway   Gateway
	logger    logger.Logger
	now       func() time.Time
	sentCtr   metrics.Counter
	failedCtr metrics.Counter
}

// opt allows optional configuration.
type opt func(s *Sender)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(s *Sender) {
		s.logger = logger.OrNop(l)
	}
}

// WithCounters configures counters for sent and failed messages.
func WithCounters(sent, failed metrics.Counter) opt {
	return func(s *Sender) {
		s.sentCtr = metrics.OrNop(sent)
		s.failedCtr = metrics.OrNop(failed)
	}
}

func NewSender(sends repository.Sends, campaigns repository.Campaigns, gw Gateway, options ...opt) *Sender {
	if sends == nil || campaigns == nil || gw == nil {
		panic("you must provide the sends and campaigns repositories and a gateway")
	}
	s := &Sender{
		sends:     sends,
		campaigns: campaigns,
		gateway:   gw,
		logger:    &logger.NopLogger{},
		now:       time.Now,
		sentCtr:   &metrics.NopCounter{},
		failedCtr: &metrics.NopCounter{},
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Handle implements queue.Handler for message.send jobs. The send row is
// created on the first attempt; a send that already left the queued status
// is not sent again. Transient gateway errors are returned for the queue to
// retry, permanent ones fail the send and the job at once.
func (s *Sender) Handle(ctx context.Context, job *queue.Job) error {
	var m MessageJob
	if err := job.Decode(&m); err != nil {
		return queue.Permanent(fmt.Errorf("could not decode the message job: %w", err))
	}

	created, err := s.sends.Create(ctx, &campaign.Send{
		ID:         m.SendID,
		CampaignID: m.CampaignID,
		CustomerID: m.CustomerID,
		Phone:      m.Phone,
		Status:     campaign.SendQueued,
	})
	if err != nil {
		return fmt.Errorf("could not create send %s: %w", m.SendID, err)
	}
	if !created {
		existing, err := s.sends.Get(ctx, m.SendID)
		if err != nil {
			return fmt.Errorf("could not read send %s: %w", m.SendID, err)
		}
		if existing.Status != campaign.SendQueued {
			s.logger.Debug(fmt.Sprintf("send %s is already %s", m.SendID, existing.Status))
			return nil
		}
	}

	res, err := send(ctx, s.gateway, m.BusinessID, m.Phone, m.Text, m.MediaURL)
	if err != nil {
		if gateway.IsRetryable(err) {
			return err
		}
		s.fail(ctx, m, err)
		return queue.Permanent(err)
	}

	// the message left, so the job deadline no longer bounds recording it
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStoreTimeout)
	defer cancel()
	changed, err := s.sends.MarkSent(rctx, m.SendID, res.MessageID, s.now())
	if err != nil {
		// a retry would send it twice
		s.logger.Error(fmt.Sprintf("could not mark send %s as sent", m.SendID), err)
		return nil
	}
	if changed {
		s.sentCtr.Inc(1)
		if err := s.campaigns.IncrementCounts(rctx, m.CampaignID, 1, 0); err != nil {
			s.logger.Error(fmt.Sprintf("could not count the send of campaign %s", m.CampaignID), err)
		}
	}
	return nil
}

// OnJobEvent fails the send of a dead message.send job. It is registered as
// a listener of the messages queue.
func (s *Sender) OnJobEvent(ctx context.Context, e queue.Event) {
	if e.Job == nil || e.Job.Type != JobSendMessage || !e.Dead {
		return
	}
	var m MessageJob
	if err := e.Job.Decode(&m); err != nil {
		s.logger.Error(fmt.Sprintf("could not decode dead job %s", e.Job.ID), err)
		return
	}
	reason := errors.New("delivery attempts exhausted")
	if e.Err != nil {
		reason = e.Err
	}
	s.fail(ctx, m, reason)
}

// fail counts the failure only when the send actually moved to failed.
func (s *Sender) fail(ctx context.Context, m MessageJob, reason error) {
	changed, err := s.sends.MarkFailed(ctx, m.SendID, reason.Error())
	if err != nil {
		s.logger.Error(fmt.Sprintf("could not mark send %s as failed", m.SendID), err)
		return
	}
	if !changed {
		return
	}
	s.failedCtr.Inc(1)
	s.logger.Warn(fmt.Sprintf("send %s to customer %s failed: %v", m.SendID, m.CustomerID, reason))
	if err := s.campaigns.IncrementCounts(ctx, m.CampaignID, 0, 1); err != nil {
		s.logger.Error(fmt.Sprintf("could not count the failure of campaign %s", m.CampaignID), err)
	}
}

// Deliver sends the DirectMessage carried by a whatsapp_message outbox
// record. It is registered as an outbox route.
func (s *Sender) Deliver(ctx context.Context, o *repository.OutboxRecord) error {
	var m DirectMessage
	if err := json.Unmarshal(o.Payload, &m); err != nil {
		return queue.Permanent(fmt.Errorf("could not decode outbox record %s: %w", o.Id, err))
	}
	res, err := send(ctx, s.gateway, m.BusinessID, m.Phone, m.Text, m.MediaURL)
	if err != nil {
		if gateway.IsRetryable(err) {
			return err
		}
		s.failedCtr.Inc(1)
		return queue.Permanent(err)
	}
	s.sentCtr.Inc(1)
	s.logger.Debug(fmt.Sprintf("outbox record %s sent as message %s", o.Id, res.MessageID))
	return nil
}
