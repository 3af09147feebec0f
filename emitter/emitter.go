// Package emitter publishes outbox records that leave the pipeline through a
// message broker (pass updates and email notifications).
package emitter

import (
	"context"
	"fmt"

	"github.com/3rs4lg4d0/stampbox/repository"
)

// DeliveryReport contains information about an outbox record delivery report.
type DeliveryReport struct {
	Record  *repository.OutboxRecord // record related to the delivery
	Error   error                    // error during the delivery if any
	Details string                   // more information about the delivery
}

// Emitter defines the contract for emitters of outbox records.
type Emitter interface {
	// Emit send the information contained in the outbox record to a message
	// broker in a reliable way. The delivery report is written to the
	// channel once the broker acknowledges the record.
	Emit(*repository.OutboxRecord, chan *DeliveryReport) error
}

// Deliver emits o and blocks until its delivery report arrives or ctx is
// done. A report carrying an error is returned as an error.
func Deliver(ctx context.Context, e Emitter, o *repository.OutboxRecord) error {
	dc := make(chan *DeliveryReport, 1)
	if err := e.Emit(o, dc); err != nil {
		return fmt.Errorf("could not emit outbox record %s: %w", o.Id, err)
	}
	select {
	case r := <-dc:
		if r.Error != nil {
			return fmt.Errorf("outbox record %s was not delivered: %w", o.Id, r.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for the delivery report of outbox record %s: %w", o.Id, ctx.Err())
	}
}
