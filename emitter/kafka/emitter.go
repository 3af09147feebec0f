// Package kafka emits outbox records to Kafka topics named after their event
// type.
package kafka

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/3rs4lg4d0/stampbox/emitter"
	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
)

// kafkaProducer is the part of *kafka.Producer used by the emitter.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	logger   logger.Logger
}

var _ emitter.Emitter = (*Emitter)(nil)
var _ logger.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || (reflect.ValueOf(p).Kind() == reflect.Ptr && reflect.ValueOf(p).IsNil()) {
		panic("Producer is mandatory")
	}
	return &Emitter{
		producer: p,
		logger:   &logger.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l logger.Logger) {
	e.logger = logger.OrNop(l)
}

func (e *Emitter) Emit(o *repository.OutboxRecord, dc chan *emitter.DeliveryReport) error {
	internal := make(chan kafka.Event, 1)
	abort := make(chan struct{})
	go func() {
		// every Produce call gets its own channel, so only one event arrives
		select {
		case ev := <-internal:
			switch m := ev.(type) {
			case *kafka.Message:
				dc <- &emitter.DeliveryReport{
					Record: o,
					Error:  m.TopicPartition.Error,
					Details: fmt.Sprintf("Delivered message to topic %s [%d] at offset %v",
						*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
				}
			default:
				e.logger.Debug(fmt.Sprintf("Ignored event: %s", ev))
			}
		case <-abort:
		}
	}()

	topic := buildTopicName(o.EventType)
	err := e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(o.AggregateId),
		Value:          o.Payload,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(o.Id.String())},
			{Key: "aggregateType", Value: []byte(o.AggregateType)},
			{Key: "createdAt", Value: []byte(strconv.FormatInt(o.CreatedAt.UnixMilli(), 10))},
		},
	}, internal)
	if err != nil {
		close(abort)
	}
	return err
}

// buildTopicName builds a topic name from an event type (e.g. if
// eventType="pass_update" then topic name is "outbox-pass-update").
func buildTopicName(eventType string) string {
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(eventType))
}
