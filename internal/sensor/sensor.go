// Package sensor defines the contract between external event sources and the
// vault. A sensor turns whatever its source produces (mail, chat, repository
// activity, social mentions) into task records; the Runner harness owns the
// polling cadence, durable deduplication, and the write into Inbox, so
// concrete sensors stay thin.
package sensor

import (
	"context"

	"github.com/iambrandonn/taskvault/internal/task"
)

// Sensor pulls new events from one external source. Poll returns zero or
// more task records; the harness filters out identities it has already
// emitted, so sensors may freely return overlapping batches. A returned
// error is transient by definition: it is logged and retried on the next
// poll tick, never escalated.
type Sensor interface {
	Name() string
	Poll(ctx context.Context) ([]task.Record, error)
}

// Func adapts a poll function to the Sensor interface.
type Func struct {
	SensorName string
	PollFunc   func(ctx context.Context) ([]task.Record, error)
}

func (f Func) Name() string { return f.SensorName }

func (f Func) Poll(ctx context.Context) ([]task.Record, error) { return f.PollFunc(ctx) }
