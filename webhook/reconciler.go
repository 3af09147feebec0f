// Package webhook reconciles delivery state from the asynchronous callbacks
// of the messaging gateway.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/metrics"
	"github.com/3rs4lg4d0/stampbox/repository"
)

// Normalized provider event names.
const (
	EventMessagesUpdate   = "MESSAGES_UPDATE"
	EventSendMessage      = "SEND_MESSAGE"
	EventConnectionUpdate = "CONNECTION_UPDATE"
	EventMessagesUpsert   = "MESSAGES_UPSERT"
)

// Payload is the envelope of every gateway callback.
type Payload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

// NormalizeEvent folds the dotted lowercase and the uppercase spellings of
// an event name into the uppercase one.
func NormalizeEvent(event string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(event), ".", "_"))
}

// statusCodes maps provider delivery codes, numeric or named, to send
// statuses. PENDING carries no progress.
var statusCodes = map[string]campaign.SendStatus{
	"0":            campaign.SendFailed,
	"ERROR":        campaign.SendFailed,
	"1":            campaign.SendQueued,
	"PENDING":      campaign.SendQueued,
	"2":            campaign.SendSent,
	"SERVER_ACK":   campaign.SendSent,
	"3":            campaign.SendDelivered,
	"DELIVERY_ACK": campaign.SendDelivered,
	"4":            campaign.SendRead,
	"READ":         campaign.SendRead,
	"5":            campaign.SendRead,
	"PLAYED":       campaign.SendRead,
}

// MapStatus converts a provider status code to a send status.
func MapStatus(code string) (campaign.SendStatus, bool) {
	s, ok := statusCodes[strings.ToUpper(strings.TrimSpace(code))]
	return s, ok
}

// Reconciler applies gateway callbacks to sends and businesses.
type Reconciler struct {
	sends        repository.Sends
	businesses   repository.Businesses
	logger       logger.Logger
	now          func() time.Time
	updatedCtr   metrics.Counter
	unmatchedCtr metrics.Counter
}

// opt allows optional configuration.
type opt func(r *Reconciler)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(r *Reconciler) {
		r.logger = logger.OrNop(l)
	}
}

// WithCounters configures counters for applied status changes and for
// callbacks that matched no send.
func WithCounters(updated, unmatched metrics.Counter) opt {
	return func(r *Reconciler) {
		r.updatedCtr = metrics.OrNop(updated)
		r.unmatchedCtr = metrics.OrNop(unmatched)
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) opt {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func NewReconciler(sends repository.Sends, businesses repository.Businesses, options ...opt) *Reconciler {
	if sends == nil || businesses == nil {
		panic("you must provide the sends and businesses repositories")
	}
	r := &Reconciler{
		sends:        sends,
		businesses:   businesses,
		logger:       &logger.NopLogger{},
		now:          time.Now,
		updatedCtr:   &metrics.NopCounter{},
		unmatchedCtr: &metrics.NopCounter{},
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Reconcile applies one callback. An unknown message id is not an error.
func (r *Reconciler) Reconcile(ctx context.Context, p Payload) error {
	switch NormalizeEvent(p.Event) {
	case EventMessagesUpdate:
		return r.messagesUpdate(ctx, p.Data)
	case EventSendMessage:
		return r.sendMessage(ctx, p.Data)
	case EventConnectionUpdate:
		return r.connectionUpdate(ctx, p.Instance, p.Data)
	case EventMessagesUpsert:
		r.logger.Info(fmt.Sprintf("inbound message on instance '%s' ignored", p.Instance))
		return nil
	default:
		r.logger.Debug(fmt.Sprintf("unhandled gateway event '%s' on instance '%s'", p.Event, p.Instance))
		return nil
	}
}

// statusUpdate accepts both callback shapes: {"keyId":..., "status":"READ"}
// and {"key":{"id":...}, "update":{"status":4}}.
type statusUpdate struct {
	KeyID     string          `json:"keyId"`
	MessageID string          `json:"messageId"`
	Status    json.RawMessage `json:"status"`
	Key       struct {
		ID string `json:"id"`
	} `json:"key"`
	Update struct {
		Status json.RawMessage `json:"status"`
	} `json:"update"`
}

func (u statusUpdate) providerID() string {
	switch {
	case u.KeyID != "":
		return u.KeyID
	case u.Key.ID != "":
		return u.Key.ID
	}
	return u.MessageID
}

func (u statusUpdate) code() string {
	raw := u.Status
	if len(raw) == 0 {
		raw = u.Update.Status
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.Itoa(n)
	}
	return ""
}

// decodeList decodes data that may be a single object or an array of them.
func decodeList[T any](data json.RawMessage) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var out []T
		err := json.Unmarshal(trimmed, &out)
		return out, err
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

func (r *Reconciler) messagesUpdate(ctx context.Context, data json.RawMessage) error {
	updates, err := decodeList[statusUpdate](data)
	if err != nil {
		return fmt.Errorf("could not decode the status update: %w", err)
	}
	var errs []error
	for _, u := range updates {
		id, code := u.providerID(), u.code()
		next, ok := MapStatus(code)
		if id == "" || !ok {
			r.logger.Debug(fmt.Sprintf("status update without a usable id or status (id='%s', status='%s')", id, code))
			continue
		}
		if next == campaign.SendQueued {
			continue
		}
		if err := r.advance(ctx, id, next); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type sentMessage struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

func (r *Reconciler) sendMessage(ctx context.Context, data json.RawMessage) error {
	msgs, err := decodeList[sentMessage](data)
	if err != nil {
		return fmt.Errorf("could not decode the sent message: %w", err)
	}
	var errs []error
	for _, m := range msgs {
		if m.Key.ID == "" {
			continue
		}
		if err := r.advance(ctx, m.Key.ID, campaign.SendSent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) advance(ctx context.Context, providerID string, next campaign.SendStatus) error {
	changed, err := r.sends.AdvanceByProviderID(ctx, providerID, next, r.now())
	if err != nil {
		return fmt.Errorf("could not advance send '%s' to %s: %w", providerID, next, err)
	}
	if !changed {
		r.unmatchedCtr.Inc(1)
		r.logger.Debug(fmt.Sprintf("no send '%s' can move to %s", providerID, next))
		return nil
	}
	r.updatedCtr.Inc(1)
	r.logger.Debug(fmt.Sprintf("send '%s' moved to %s", providerID, next))
	return nil
}

type connectionState struct {
	State string `json:"state"`
}

func (r *Reconciler) connectionUpdate(ctx context.Context, instance string, data json.RawMessage) error {
	var cs connectionState
	if err := json.Unmarshal(data, &cs); err != nil {
		return fmt.Errorf("could not decode the connection update: %w", err)
	}
	businessID, err := gateway.ParseInstanceName(instance)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("connection update for a foreign instance: %v", err))
		return nil
	}

	var connected bool
	switch cs.State {
	case "open":
		connected = true
	case "close":
		connected = false
	default:
		r.logger.Debug(fmt.Sprintf("instance '%s' is %s", instance, cs.State))
		return nil
	}
	if err := r.businesses.SetGatewayConnected(ctx, businessID, connected); err != nil {
		return fmt.Errorf("could not update the gateway flag of business %s: %w", businessID, err)
	}
	r.logger.Info(fmt.Sprintf("business %s gateway connected=%t", businessID, connected))
	return nil
}
