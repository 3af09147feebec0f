package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/google/uuid"
)

// BulkSender handles campaign.bulk jobs: it fans a campaign out to every
// customer of the business.
type BulkSender struct {
	settings   Settings
	campaigns  repository.Campaigns
	customers  repository.Customers
	businesses repository.Businesses
	sends      repository.Sends
	gateway    Gateway
	logger     logger.Logger
	now        func() time.Time
}

// BulkResult summarizes one fan-out run.
type BulkResult struct {
	Sent    int
	Failed  int
	Skipped int
}

func NewBulkSender(s Settings, campaigns repository.Campaigns, customers repository.Customers, businesses repository.Businesses,
	sends repository.Sends, gw Gateway, l logger.Logger) *BulkSender {
	if campaigns == nil || customers == nil || businesses == nil || sends == nil || gw == nil {
		panic("you must provide every repository and a gateway")
	}
	validateSettings(&s)
	return &BulkSender{
		settings:   s,
		campaigns:  campaigns,
		customers:  customers,
		businesses: businesses,
		sends:      sends,
		gateway:    gw,
		logger:     logger.OrNop(l),
		now:        time.Now,
	}
}

// Handle implements queue.Handler for campaign.bulk jobs.
func (b *BulkSender) Handle(ctx context.Context, job *queue.Job) error {
	var bj BulkJob
	if err := job.Decode(&bj); err != nil {
		return queue.Permanent(fmt.Errorf("could not decode the bulk job: %w", err))
	}
	_, err := b.Run(ctx, bj.CampaignID)
	return err
}

// Run sends the campaign to every customer without a send for it. Recipients
// that fail individually are recorded as failed sends; a systemic gateway
// failure aborts the run so that the job is retried later. Customers already
// handled by a previous run are skipped.
func (b *BulkSender) Run(ctx context.Context, campaignID uuid.UUID) (BulkResult, error) {
	var res BulkResult
	c, err := b.campaigns.Get(ctx, campaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return res, queue.Permanent(fmt.Errorf("campaign %s does not exist", campaignID))
	}
	if err != nil {
		return res, fmt.Errorf("could not load campaign %s: %w", campaignID, err)
	}

	switch {
	case c.Status.Terminal():
		b.logger.Info(fmt.Sprintf("campaign %s is already %s", c.ID, c.Status))
		return res, nil
	case c.Status != campaign.StatusProcessing:
		if _, err := b.campaigns.Transition(ctx, c.ID, campaign.StatusProcessing, b.now()); err != nil {
			return res, fmt.Errorf("could not start campaign %s: %w", c.ID, err)
		}
	}

	business, err := b.businesses.Get(ctx, c.BusinessID)
	if err != nil {
		return res, fmt.Errorf("could not load business %s: %w", c.BusinessID, err)
	}
	recipients, err := b.customers.FindByBusiness(ctx, c.BusinessID)
	if err != nil {
		return res, fmt.Errorf("could not load the recipients of campaign %s: %w", c.ID, err)
	}

	b.logger.Info(fmt.Sprintf("campaign %s: sending to %d customers", c.ID, len(recipients)))
	for _, cu := range recipients {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		exists, err := b.sends.Exists(ctx, c.ID, cu.ID)
		if err != nil {
			return res, fmt.Errorf("could not check the send of customer %s: %w", cu.ID, err)
		}
		if exists {
			res.Skipped++
			continue
		}
		if err := b.sendOne(ctx, c, business, cu, &res); err != nil {
			return res, err
		}
	}
	b.logger.Info(fmt.Sprintf("campaign %s: %d sent, %d failed, %d skipped", c.ID, res.Sent, res.Failed, res.Skipped))
	return res, nil
}

func (b *BulkSender) sendOne(ctx context.Context, c *campaign.Campaign, business *campaign.Business, cu *campaign.Customer, res *BulkResult) error {
	text := campaign.Render(c.MessageTemplate, campaign.RenderData{
		CustomerName: cu.Name,
		Stamps:       cu.StampCount,
		BusinessName: business.Name,
	})

	instance := gateway.InstanceName(c.BusinessID)
	var sent *gateway.SendResult
	var err error
	if c.MediaURL != "" {
		sent, err = b.gateway.SendMediaWithRetry(ctx, instance, cu.Phone, c.MediaURL, text, b.settings.SendAttempts)
	} else {
		sent, err = b.gateway.SendTextWithRetry(ctx, instance, cu.Phone, text, b.settings.SendAttempts)
	}
	if gateway.IsSystemic(err) {
		return fmt.Errorf("campaign %s aborted: %w", c.ID, err)
	}
	if err != nil && ctx.Err() != nil {
		// cut short by the job deadline: the customer keeps no send and is
		// picked up by the next attempt
		return fmt.Errorf("campaign %s interrupted at customer %s: %w", c.ID, cu.ID, ctx.Err())
	}

	// the gateway answered, so the outcome is recorded even when the job
	// deadline expires meanwhile; a crash before the row exists resends on
	// the next run
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.settings.StoreTimeout)
	defer cancel()
	s := &campaign.Send{ID: uuid.New(), CampaignID: c.ID, CustomerID: cu.ID, Phone: cu.Phone, Status: campaign.SendQueued}
	if _, cerr := b.sends.Create(rctx, s); cerr != nil {
		return fmt.Errorf("could not record the send of customer %s: %w", cu.ID, cerr)
	}

	if err != nil {
		res.Failed++
		b.logger.Warn(fmt.Sprintf("campaign %s: customer %s failed: %v", c.ID, cu.ID, err))
		if _, ferr := b.sends.MarkFailed(rctx, s.ID, err.Error()); ferr != nil {
			b.logger.Error(fmt.Sprintf("could not mark send %s as failed", s.ID), ferr)
		}
		return b.campaigns.IncrementCounts(rctx, c.ID, 0, 1)
	}

	res.Sent++
	if _, err := b.sends.MarkSent(rctx, s.ID, sent.MessageID, b.now()); err != nil {
		b.logger.Error(fmt.Sprintf("could not mark send %s as sent", s.ID), err)
	}
	return b.campaigns.IncrementCounts(rctx, c.ID, 1, 0)
}
