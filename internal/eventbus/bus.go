// Package eventbus is the in-process broadcast channel connecting source
// producers (directory watchers, the SFTP executor) to the Dispatcher
// Engine. It generalizes the named-event/handler-subscription dispatcher
// pattern into a single typed event (domain.FileEvent) delivered over
// bounded, per-subscriber channels with blocking sends: no event is ever
// silently dropped, and a slow subscriber applies backpressure to every
// producer rather than losing data.
package eventbus

import (
	"context"
	"sync"

	"github.com/cortexsys/dispatcher/internal/domain"
	"github.com/cortexsys/dispatcher/internal/metrics"
)

// subscription pairs a subscriber's channel with a lock guarding whether it
// has been closed. Publish must not select a send on ch once closed is true:
// Subscribe's own context can be cancelled independently of (earlier than)
// a producer's context, so without this guard Publish could race a
// send against Subscribe's close(ch) and panic.
type subscription struct {
	mu     sync.Mutex
	ch     chan domain.FileEvent
	closed bool
}

// Bus fans FileEvents out to every current subscriber. Producers call
// Publish once per observed file; it blocks until every subscriber's buffer
// has room, which is how the dispatcher's backpressure reaches back to the
// Directory Source and SFTP Executor.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscription
	bufferSize  int
}

// New creates a Bus whose subscriber channels are each buffered to
// bufferSize. A bufferSize of 0 makes Publish synchronous with the slowest
// subscriber's receive.
func New(bufferSize int) *Bus {
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers a new consumer and returns a channel of FileEvents for
// it. The channel is closed when ctx is cancelled, which is the only way to
// unsubscribe; the caller should range over it until closed.
func (b *Bus) Subscribe(ctx context.Context) <-chan domain.FileEvent {
	sub := &subscription{ch: make(chan domain.FileEvent, b.bufferSize)}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	metrics.EventBusSubscribers.Set(float64(b.SubscriberCount()))

	go func() {
		<-ctx.Done()
		b.unsubscribe(sub)
		metrics.EventBusSubscribers.Set(float64(b.SubscriberCount()))

		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}()

	return sub.ch
}

func (b *Bus) unsubscribe(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == target {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			break
		}
	}
}

// Publish delivers event to every current subscriber, blocking on each send
// until either it is accepted or ctx is cancelled. FIFO is preserved per
// producer goroutine; order across producers is unspecified, matching the
// bus's ordering contract. A subscriber whose channel has already been
// closed is skipped. A send already waiting on a full buffer when that
// subscriber's context is cancelled keeps waiting until it is accepted or
// ctx is cancelled; the subscriber's channel is closed only after that.
func (b *Bus) Publish(ctx context.Context, event domain.FileEvent) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := b.publishOne(ctx, sub, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) publishOne(ctx context.Context, sub *subscription, event domain.FileEvent) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return nil
	}

	select {
	case sub.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscriberCount reports the current number of active subscribers, used by
// the supervisor's health reporting.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Pending reports the largest number of buffered-but-unread events across
// all subscribers, a best-effort signal the Supervisor polls while draining
// the bus during graceful shutdown: zero means every subscriber has caught
// up to the last event a producer sent before being cancelled.
func (b *Bus) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	max := 0
	for _, sub := range b.subscribers {
		if n := len(sub.ch); n > max {
			max = n
		}
	}
	return max
}
