// Package notify fans committed change events out to subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pimstore/internal/pim"
)

// DefaultQueueSize is the per-subscriber backlog used when none is configured.
const DefaultQueueSize = 256

// DefaultCloseTimeout bounds how long Close waits for sinks to return.
const DefaultCloseTimeout = 5 * time.Second

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("notification bus closed")

// Bus delivers published events to every matching subscriber. Each
// subscriber has its own bounded queue drained by its own goroutine, so a
// slow subscriber delays nobody but itself. A subscriber whose queue
// overflows or whose sink fails is dropped.
type Bus struct {
	logger       pim.Logger
	queueSize    int
	closeTimeout time.Duration

	mu       sync.Mutex
	subs     map[string]*subscriber
	sequence uint64
	closed   bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	wg sync.WaitGroup
}

var _ pim.Publisher = (*Bus)(nil)

type subscriber struct {
	id     string
	filter Filter
	sink   Sink
	queue  chan pim.ChangeEvent
	ctx    context.Context
	cancel context.CancelFunc
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Subscribers int
	Published   uint64 // events accepted by Publish
	Delivered   uint64 // events handed to sinks successfully
	Dropped     uint64 // subscriptions dropped as unreachable
}

// NewBus creates a Bus. queueSize bounds each subscriber's backlog;
// values below 1 use DefaultQueueSize.
func NewBus(logger pim.Logger, queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		logger:       logger,
		queueSize:    queueSize,
		closeTimeout: DefaultCloseTimeout,
		subs:         make(map[string]*subscriber),
	}
}

// SetCloseTimeout changes how long Close waits for delivery goroutines.
// Values below 1 are ignored.
func (b *Bus) SetCloseTimeout(d time.Duration) {
	if d > 0 {
		b.closeTimeout = d
	}
}

// Subscribe registers sink under id. Subscribing an existing id replaces
// its filter and keeps its queue and sink.
func (b *Bus) Subscribe(id string, filter Filter, sink Sink) error {
	if id == "" {
		return fmt.Errorf("%w: subscriber id is required", pim.ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if sub, ok := b.subs[id]; ok {
		sub.filter = filter
		return nil
	}
	if sink == nil {
		return fmt.Errorf("%w: sink is required", pim.ErrInvalidArgument)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		id:     id,
		filter: filter,
		sink:   sink,
		queue:  make(chan pim.ChangeEvent, b.queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	b.subs[id] = sub

	b.wg.Add(1)
	go b.deliver(sub)

	b.logger.Debug("subscriber added", "subscriber", id)
	return nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored. Events still
// queued for the subscriber are discarded.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		b.removeLocked(sub)
		b.logger.Debug("subscriber removed", "subscriber", id)
	}
}

// Publish assigns each event the next sequence number and queues it for
// every matching subscriber. It never blocks on delivery.
func (b *Bus) Publish(events ...pim.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ev := range events {
		b.sequence++
		ev.Sequence = b.sequence
		b.published.Add(1)

		for _, sub := range b.subs {
			if !sub.filter.Matches(&ev) {
				continue
			}
			select {
			case sub.queue <- ev:
			default:
				b.dropLocked(sub, fmt.Errorf("queue of %d events is full", b.queueSize))
			}
		}
	}
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()

	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close drops every subscription and waits, up to the close timeout, for
// the delivery goroutines to exit. A sink that ignores cancellation is left
// behind and logged rather than blocking shutdown. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.closeTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		b.logger.Warn("sinks still delivering at close", "timeout", b.closeTimeout)
	}
}

func (b *Bus) deliver(sub *subscriber) {
	defer b.wg.Done()

	for ev := range sub.queue {
		if sub.ctx.Err() != nil {
			return
		}
		if err := sub.sink.Deliver(sub.ctx, ev); err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			b.mu.Lock()
			if b.subs[sub.id] == sub {
				b.dropLocked(sub, err)
			}
			b.mu.Unlock()
			return
		}
		b.delivered.Add(1)
	}
}

// dropLocked removes an unreachable subscriber. The failure stays inside
// the bus.
func (b *Bus) dropLocked(sub *subscriber, cause error) {
	b.removeLocked(sub)
	b.dropped.Add(1)
	b.logger.Warn("dropping subscriber",
		"subscriber", sub.id,
		"error", fmt.Errorf("%w: %w", pim.ErrSubscriberUnreachable, cause))
}

func (b *Bus) removeLocked(sub *subscriber) {
	delete(b.subs, sub.id)
	sub.cancel()
	close(sub.queue)
}
