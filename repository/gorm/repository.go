// Package gorm implements the campaign aggregate repositories on top of
// gorm. Every status change is a compare-and-set on the current status so
// concurrent workers and webhook deliveries never move an aggregate backward.
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
	getCampaignSql           = "SELECT * FROM campaigns WHERE id = ?"
	findActiveByTriggerSql   = "SELECT * FROM campaigns WHERE business_id = ? AND trigger_type = ? AND active = true ORDER BY created_at ASC"
	findDueCampaignsSql      = "SELECT * FROM campaigns WHERE status = 'scheduled' AND scheduled_for <= ? ORDER BY scheduled_for ASC LIMIT ?"
	transitionCampaignSql    = "UPDATE campaigns SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ? AND status IN ?"
	scheduleCampaignSql      = "UPDATE campaigns SET status = 'scheduled', scheduled_for = ? WHERE id = ? AND status = 'draft'"
	deleteDraftCampaignSql   = "DELETE FROM campaigns WHERE id = ? AND status = 'draft'"
	incrementCountsSql       = "UPDATE campaigns SET sent_count = sent_count + ?, failed_count = failed_count + ? WHERE id = ?"
	inactivityThresholdsSql  = "SELECT DISTINCT business_id, trigger_config AS days FROM campaigns WHERE active = true AND trigger_type = 'days_inactive' AND trigger_config IS NOT NULL ORDER BY business_id, days"
	getCustomerSql           = "SELECT * FROM customers WHERE business_id = ? AND id = ?"
	findCustomersSql         = "SELECT * FROM customers WHERE business_id = ? ORDER BY created_at ASC"
	findInactiveCustomersSql = "SELECT * FROM customers WHERE business_id = ? AND last_activity_at >= ? AND last_activity_at < ? ORDER BY last_activity_at ASC"
	getBusinessSql           = "SELECT * FROM businesses WHERE id = ?"
	setGatewayConnectedSql   = "UPDATE businesses SET gateway_connected = ? WHERE id = ?"
)

// CampaignRepository implements repository.Campaigns.
type CampaignRepository struct {
	db *gorm.DB
}

var _ repository.Campaigns = (*CampaignRepository)(nil)

func NewCampaigns(db *gorm.DB) *CampaignRepository {
	if db == nil {
		panic("db is mandatory")
	}
	return &CampaignRepository{db: db}
}

func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error) {
	var m campaignModel
	res := r.db.WithContext(ctx).Raw(getCampaignSql, id).Scan(&m)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	return m.toDomain(), nil
}

func (r *CampaignRepository) FindActiveByTrigger(ctx context.Context, businessID uuid.UUID, t campaign.TriggerType) ([]*campaign.Campaign, error) {
	return r.find(ctx, findActiveByTriggerSql, businessID, string(t))
}

func (r *CampaignRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*campaign.Campaign, error) {
	return r.find(ctx, findDueCampaignsSql, now, limit)
}

func (r *CampaignRepository) find(ctx context.Context, query string, args ...any) ([]*campaign.Campaign, error) {
	var ms []campaignModel
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]*campaign.Campaign, len(ms))
	for i := range ms {
		out[i] = ms[i].toDomain()
	}
	return out, nil
}

func (r *CampaignRepository) Transition(ctx context.Context, id uuid.UUID, next campaign.Status, at time.Time) (bool, error) {
	from := campaign.PredecessorsOf(next)
	if len(from) == 0 {
		return false, fmt.Errorf("%w: nothing moves to %s", campaign.ErrInvalidTransition, next)
	}
	var completedAt *time.Time
	if next == campaign.StatusCompleted {
		completedAt = &at
	}
	res := r.db.WithContext(ctx).Exec(transitionCampaignSql, string(next), completedAt, id, statusStrings(from))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *CampaignRepository) Schedule(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Exec(scheduleCampaignSql, at, id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *CampaignRepository) DeleteDraft(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Exec(deleteDraftCampaignSql, id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *CampaignRepository) IncrementCounts(ctx context.Context, id uuid.UUID, sent, failed int) error {
	return r.db.WithContext(ctx).Exec(incrementCountsSql, sent, failed, id).Error
}

func (r *CampaignRepository) InactivityThresholds(ctx context.Context) ([]repository.InactivityThreshold, error) {
	var rows []inactivityRow
	if err := r.db.WithContext(ctx).Raw(inactivityThresholdsSql).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]repository.InactivityThreshold, len(rows))
	for i, row := range rows {
		out[i] = repository.InactivityThreshold{BusinessID: row.BusinessID, Days: row.Days}
	}
	return out, nil
}

// CustomerRepository implements repository.Customers.
type CustomerRepository struct {
	db *gorm.DB
}

var _ repository.Customers = (*CustomerRepository)(nil)

func NewCustomers(db *gorm.DB) *CustomerRepository {
	if db == nil {
		panic("db is mandatory")
	}
	return &CustomerRepository{db: db}
}

func (r *CustomerRepository) Get(ctx context.Context, businessID, id uuid.UUID) (*campaign.Customer, error) {
	var m customerModel
	res := r.db.WithContext(ctx).Raw(getCustomerSql, businessID, id).Scan(&m)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("customer %s: %w", id, repository.ErrNotFound)
	}
	return m.toDomain(), nil
}

func (r *CustomerRepository) FindByBusiness(ctx context.Context, businessID uuid.UUID) ([]*campaign.Customer, error) {
	return r.find(ctx, findCustomersSql, businessID)
}

func (r *CustomerRepository) FindInactive(ctx context.Context, businessID uuid.UUID, from, to time.Time) ([]*campaign.Customer, error) {
	return r.find(ctx, findInactiveCustomersSql, businessID, from, to)
}

func (r *CustomerRepository) find(ctx context.Context, query string, args ...any) ([]*campaign.Customer, error) {
	var ms []customerModel
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]*campaign.Customer, len(ms))
	for i := range ms {
		out[i] = ms[i].toDomain()
	}
	return out, nil
}

// BusinessRepository implements repository.Businesses.
type BusinessRepository struct {
	db *gorm.DB
}

var _ repository.Businesses = (*BusinessRepository)(nil)

func NewBusinesses(db *gorm.DB) *BusinessRepository {
	if db == nil {
		panic("db is mandatory")
	}
	return &BusinessRepository{db: db}
}

func (r *BusinessRepository) Get(ctx context.Context, id uuid.UUID) (*campaign.Business, error) {
	var m businessModel
	res := r.db.WithContext(ctx).Raw(getBusinessSql, id).Scan(&m)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("business %s: %w", id, repository.ErrNotFound)
	}
	return m.toDomain(), nil
}

func (r *BusinessRepository) SetGatewayConnected(ctx context.Context, id uuid.UUID, connected bool) error {
	return r.db.WithContext(ctx).Exec(setGatewayConnectedSql, connected, id).Error
}
