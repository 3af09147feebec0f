package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	createSendSql     = "INSERT INTO campaign_sends (id, campaign_id, customer_id, phone, status) VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING"
	getSendSql        = "SELECT * FROM campaign_sends WHERE id = ?"
	sendExistsSql     = "SELECT EXISTS (SELECT 1 FROM campaign_sends WHERE campaign_id = ? AND customer_id = ?)"
	markSendSentSql   = "UPDATE campaign_sends SET status = 'sent', provider_message_id = ?, sent_at = COALESCE(sent_at, ?) WHERE id = ? AND status IN ?"
	markSendFailedSql = "UPDATE campaign_sends SET status = 'failed', error_message = ? WHERE id = ? AND status IN ?"
)

// timestampColumns maps a send status to the column stamped when the send
// first reaches it.
var timestampColumns = map[campaign.SendStatus]string{
	campaign.SendSent:      "sent_at",
	campaign.SendDelivered: "delivered_at",
	campaign.SendRead:      "opened_at",
}

// SendRepository implements repository.Sends.
type SendRepository struct {
	db *gorm.DB
}

var _ repository.Sends = (*SendRepository)(nil)

func NewSends(db *gorm.DB) *SendRepository {
	if db == nil {
		panic("db is mandatory")
	}
	return &SendRepository{db: db}
}

func (r *SendRepository) Create(ctx context.Context, s *campaign.Send) (bool, error) {
	status := s.Status
	if status == "" {
		status = campaign.SendQueued
	}
	res := r.db.WithContext(ctx).Exec(createSendSql, s.ID, s.CampaignID, s.CustomerID, s.Phone, string(status))
	if res.Error != nil {
		return false, fmt.Errorf("could not create the campaign send: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *SendRepository) Get(ctx context.Context, id uuid.UUID) (*campaign.Send, error) {
	var m sendModel
	res := r.db.WithContext(ctx).Raw(getSendSql, id).Scan(&m)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("send %s: %w", id, repository.ErrNotFound)
	}
	return m.toDomain(), nil
}

func (r *SendRepository) Exists(ctx context.Context, campaignID, customerID uuid.UUID) (bool, error) {
	var exists bool
	if err := r.db.WithContext(ctx).Raw(sendExistsSql, campaignID, customerID).Scan(&exists).Error; err != nil {
		return false, err
	}
	return exists, nil
}

func (r *SendRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Exec(markSendSentSql, providerMessageID, at, id, statusStrings(campaign.AdvanceableTo(campaign.SendSent)))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *SendRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	res := r.db.WithContext(ctx).Exec(markSendFailedSql, reason, id, statusStrings(campaign.AdvanceableTo(campaign.SendFailed)))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *SendRepository) AdvanceByProviderID(ctx context.Context, providerMessageID string, next campaign.SendStatus, at time.Time) (bool, error) {
	from := campaign.AdvanceableTo(next)
	if len(from) == 0 {
		return false, nil
	}
	query, args := advanceQuery(providerMessageID, next, at, from)
	res := r.db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func advanceQuery(providerMessageID string, next campaign.SendStatus, at time.Time, from []campaign.SendStatus) (string, []any) {
	if col, ok := timestampColumns[next]; ok {
		return fmt.Sprintf("UPDATE campaign_sends SET status = ?, %s = COALESCE(%s, ?) WHERE provider_message_id = ? AND status IN ?", col, col),
			[]any{string(next), at, providerMessageID, statusStrings(from)}
	}
	return "UPDATE campaign_sends SET status = ? WHERE provider_message_id = ? AND status IN ?",
		[]any{string(next), providerMessageID, statusStrings(from)}
}
