package campaign

import (
	"time"

	"github.com/google/uuid"
)

// SendStatus is the delivery state of a single campaign message.
type SendStatus string

const (
	SendQueued    SendStatus = "queued"
	SendSent      SendStatus = "sent"
	SendDelivered SendStatus = "delivered"
	SendRead      SendStatus = "read"
	SendFailed    SendStatus = "failed"
)

var sendRank = map[SendStatus]int{
	SendQueued:    0,
	SendSent:      1,
	SendDelivered: 2,
	SendRead:      3,
}

// Terminal reports whether the send can no longer change.
func (s SendStatus) Terminal() bool {
	return s == SendRead || s == SendFailed
}

// CanAdvanceTo reports whether next moves the send forward. Statuses only
// progress queued→sent→delivered→read; failed is reachable from any
// non-terminal status.
func (s SendStatus) CanAdvanceTo(next SendStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == SendFailed {
		return true
	}
	cur, ok := sendRank[s]
	if !ok {
		return false
	}
	nr, ok := sendRank[next]
	return ok && nr > cur
}

// Send is the per-recipient record of a campaign message.
type Send struct {
	ID                uuid.UUID
	CampaignID        uuid.UUID
	CustomerID        uuid.UUID
	Phone             string
	ProviderMessageID string
	Status            SendStatus
	SentAt            *time.Time
	DeliveredAt       *time.Time
	OpenedAt          *time.Time
	ErrorMessage      string
}

// AdvanceableTo lists the statuses from which a send may move to next. It is
// used to build compare-and-set updates.
func AdvanceableTo(next SendStatus) []SendStatus {
	var from []SendStatus
	for _, s := range []SendStatus{SendQueued, SendSent, SendDelivered, SendRead, SendFailed} {
		if s.CanAdvanceTo(next) {
			from = append(from, s)
		}
	}
	return from
}
