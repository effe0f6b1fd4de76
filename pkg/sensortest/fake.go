// Package sensortest provides a scriptable fake sensor for exercising the
// polling harness and scheduler without any external source.
package sensortest

import (
	"context"
	"sync"

	"github.com/iambrandonn/taskvault/internal/task"
)

// Fake is a sensor whose poll results are queued by the test. Each queued
// batch is returned once, in order; an empty queue polls as no events.
// Errors can be interleaved with batches to simulate transient source
// failures.
type Fake struct {
	name string

	mu      sync.Mutex
	queue   []result
	polls   int
	blocked chan struct{}
}

type result struct {
	records []task.Record
	err     error
}

// New creates a fake sensor with the given name.
func New(name string) *Fake {
	return &Fake{name: name}
}

// QueueRecords schedules a batch of records for a future poll.
func (f *Fake) QueueRecords(records ...task.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, result{records: records})
}

// QueueError schedules a transient poll failure.
func (f *Fake) QueueError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, result{err: err})
}

// Block makes the next poll hang until ctx is cancelled, for exercising
// poll deadlines. Returns a channel closed when the poll has started.
func (f *Fake) Block() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = make(chan struct{})
	return f.blocked
}

// Polls reports how many times Poll has been called.
func (f *Fake) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Poll(ctx context.Context) ([]task.Record, error) {
	f.mu.Lock()
	f.polls++
	blocked := f.blocked
	f.blocked = nil

	var next result
	if len(f.queue) > 0 {
		next = f.queue[0]
		f.queue = f.queue[1:]
	}
	f.mu.Unlock()

	if blocked != nil {
		close(blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return next.records, next.err
}
