package outbox

import (
	"time"

	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/google/uuid"
)

// JobType is the queue job type of an outbox record delivery.
const JobType = "outbox.deliver"

// Event types written to the outbox.
const (
	EventWhatsAppMessage   = "whatsapp_message"
	EventPassUpdate        = "pass_update"
	EventEmailNotification = "email_notification"
)

// Outbox contains high level information about a side effect and should be
// provided by the clients.
type Outbox struct {
	AggregateType string // the aggregate type (e.g. "customer")
	AggregateId   string // the aggregate identifier
	EventType     string // one of the Event* constants
	Payload       []byte // event payload
}

// Delivery is the payload of an outbox.deliver job. It carries the whole
// record so the handler does not read the outbox again.
type Delivery struct {
	RecordID      uuid.UUID `json:"recordId"`
	AggregateType string    `json:"aggregateType"`
	AggregateId   string    `json:"aggregateId"`
	EventType     string    `json:"eventType"`
	Payload       []byte    `json:"payload"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newDelivery(o *repository.OutboxRecord) Delivery {
	return Delivery{
		RecordID:      o.Id,
		AggregateType: o.AggregateType,
		AggregateId:   o.AggregateId,
		EventType:     o.EventType,
		Payload:       o.Payload,
		CreatedAt:     o.CreatedAt,
	}
}

// Record rebuilds the outbox record carried by the delivery.
func (d Delivery) Record() *repository.OutboxRecord {
	return &repository.OutboxRecord{
		Id:            d.RecordID,
		AggregateType: d.AggregateType,
		AggregateId:   d.AggregateId,
		EventType:     d.EventType,
		Payload:       d.Payload,
		CreatedAt:     d.CreatedAt,
	}
}
