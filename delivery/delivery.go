// Package delivery holds the queue workers that turn campaign messages into
// gateway calls, and the campaign lifecycle service that feeds the bulk
// queue.
package delivery

import (
	"context"
	"time"

	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/google/uuid"
)

// Job types.
const (
	JobSendMessage  = "message.send"
	JobBulkCampaign = "campaign.bulk"
)

const (
	defaultSendAttempts  int           = 3
	defaultSweepInterval time.Duration = time.Minute
	defaultSweepBatch    int           = 50
	defaultStoreTimeout  time.Duration = time.Second * 10
)

// MessageJob is the payload of a message.send job: one rendered message to
// one customer. SendID is chosen at enqueue time so that retries reuse the
// same send row.
type MessageJob struct {
	SendID     uuid.UUID `json:"sendId"`
	CampaignID uuid.UUID `json:"campaignId"`
	BusinessID uuid.UUID `json:"businessId"`
	CustomerID uuid.UUID `json:"customerId"`
	Phone      string    `json:"phone"`
	Text       string    `json:"text"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
}

// BulkJob is the payload of a campaign.bulk job.
type BulkJob struct {
	CampaignID uuid.UUID `json:"campaignId"`
}

// DirectMessage is the payload of a whatsapp_message outbox record: a
// message that is not part of a campaign, such as a merchant test send.
type DirectMessage struct {
	BusinessID uuid.UUID `json:"businessId"`
	Phone      string    `json:"phone"`
	Text       string    `json:"text"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
}

// Gateway is the part of the gateway client used by the workers.
type Gateway interface {
	SendText(ctx context.Context, instance, phone, text string) (*gateway.SendResult, error)
	SendMedia(ctx context.Context, instance, phone, mediaURL, caption string) (*gateway.SendResult, error)
	SendTextWithRetry(ctx context.Context, instance, phone, text string, maxAttempts int) (*gateway.SendResult, error)
	SendMediaWithRetry(ctx context.Context, instance, phone, mediaURL, caption string, maxAttempts int) (*gateway.SendResult, error)
}

var _ Gateway = (*gateway.Client)(nil)

// Enqueuer is the part of the job queue used to submit work.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...queue.EnqueueOption) (*queue.Job, error)
}

// Settings holds the delivery configuration.
type Settings struct {
	SendAttempts  int           // gateway attempts per bulk recipient
	SweepInterval time.Duration // interval between scheduled campaign sweeps
	SweepBatch    int           // maximum campaigns dispatched per sweep
	StoreTimeout  time.Duration // bound of the writes recording a gateway answer
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.SendAttempts <= 0 {
		s.SendAttempts = defaultSendAttempts
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = defaultSweepInterval
	}
	if s.SweepBatch <= 0 {
		s.SweepBatch = defaultSweepBatch
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = defaultStoreTimeout
	}
}

// send picks the media or text endpoint.
func send(ctx context.Context, gw Gateway, businessID uuid.UUID, phone, text, mediaURL string) (*gateway.SendResult, error) {
	instance := gateway.InstanceName(businessID)
	if mediaURL != "" {
		return gw.SendMedia(ctx, instance, phone, mediaURL, text)
	}
	return gw.SendText(ctx, instance, phone, text)
}
