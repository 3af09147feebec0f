package gorm

import (
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/google/uuid"
)

type campaignModel struct {
	ID              uuid.UUID
	BusinessID      uuid.UUID
	Name            string
	MessageTemplate string
	MediaURL        *string
	TriggerType     string
	TriggerConfig   *int
	Active          bool
	Status          string
	SentCount       int
	FailedCount     int
	ScheduledFor    *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

func (campaignModel) TableName() string { return "campaigns" }

func (m *campaignModel) toDomain() *campaign.Campaign {
	c := &campaign.Campaign{
		ID:              m.ID,
		BusinessID:      m.BusinessID,
		Name:            m.Name,
		MessageTemplate: m.MessageTemplate,
		TriggerType:     campaign.TriggerType(m.TriggerType),
		TriggerConfig:   m.TriggerConfig,
		Active:          m.Active,
		Status:          campaign.Status(m.Status),
		SentCount:       m.SentCount,
		FailedCount:     m.FailedCount,
		ScheduledFor:    m.ScheduledFor,
		CompletedAt:     m.CompletedAt,
		CreatedAt:       m.CreatedAt,
	}
	if m.MediaURL != nil {
		c.MediaURL = *m.MediaURL
	}
	return c
}

type customerModel struct {
	ID             uuid.UUID
	BusinessID     uuid.UUID
	Name           string
	Phone          string
	StampCount     int
	LastActivityAt *time.Time
	CreatedAt      time.Time
}

func (customerModel) TableName() string { return "customers" }

func (m *customerModel) toDomain() *campaign.Customer {
	return &campaign.Customer{
		ID:             m.ID,
		BusinessID:     m.BusinessID,
		Name:           m.Name,
		Phone:          m.Phone,
		StampCount:     m.StampCount,
		LastActivityAt: m.LastActivityAt,
	}
}

type sendModel struct {
	ID                uuid.UUID
	CampaignID        uuid.UUID
	CustomerID        uuid.UUID
	Phone             string
	ProviderMessageID *string
	Status            string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	OpenedAt          *time.Time
	ErrorMessage      *string
	CreatedAt         time.Time
}

func (sendModel) TableName() string { return "campaign_sends" }

func (m *sendModel) toDomain() *campaign.Send {
	s := &campaign.Send{
		ID:          m.ID,
		CampaignID:  m.CampaignID,
		CustomerID:  m.CustomerID,
		Phone:       m.Phone,
		Status:      campaign.SendStatus(m.Status),
		SentAt:      m.SentAt,
		DeliveredAt: m.DeliveredAt,
		OpenedAt:    m.OpenedAt,
	}
	if m.ProviderMessageID != nil {
		s.ProviderMessageID = *m.ProviderMessageID
	}
	if m.ErrorMessage != nil {
		s.ErrorMessage = *m.ErrorMessage
	}
	return s
}

type businessModel struct {
	ID               uuid.UUID
	Name             string
	StampsRequired   int
	GatewayConnected bool
	CreatedAt        time.Time
}

func (businessModel) TableName() string { return "businesses" }

func (m *businessModel) toDomain() *campaign.Business {
	return &campaign.Business{
		ID:               m.ID,
		Name:             m.Name,
		StampsRequired:   m.StampsRequired,
		GatewayConnected: m.GatewayConnected,
	}
}

type inactivityRow struct {
	BusinessID uuid.UUID
	Days       int
}

func statusStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
