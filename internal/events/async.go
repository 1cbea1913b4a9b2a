package events

import (
	"context"
	"sync"

	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultAsyncBuffer = 256
	maxAsyncBatch      = 64
)

// Async hands events to a single background publisher so callers never wait
// on the broker. Events are dropped when the buffer is full. Queued events are
// written in batches when the next publisher is a BatchPublisher.
type Async struct {
	next  Publisher
	queue chan Event
	done  chan struct{}

	// mu orders enqueues before the shutdown signal so the final drain sees them.
	mu       sync.RWMutex
	isClosed bool
	closed   chan struct{}
	once     sync.Once
}

// NewAsync starts the background publisher.
func NewAsync(next Publisher, buffer int) *Async {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	a := &Async{
		next:   next,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go a.loop()
	return a
}

// Publish enqueues event.
func (a *Async) Publish(ctx context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.isClosed {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is closed")
	}
	select {
	case a.queue <- event:
		return nil
	default:
		return appErr.New(appErr.TooManyRequests).WithMessage("event buffer is full")
	}
}

// Close stops accepting events and waits until the buffer is flushed or ctx ends.
func (a *Async) Close(ctx context.Context) error {
	a.once.Do(func() {
		a.mu.Lock()
		a.isClosed = true
		close(a.closed)
		a.mu.Unlock()
	})
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) loop() {
	defer close(a.done)
	ctx := context.Background()
	for {
		select {
		case ev := <-a.queue:
			a.flush(ctx, a.collect(ev))
		case <-a.closed:
			for {
				select {
				case ev := <-a.queue:
					a.flush(ctx, a.collect(ev))
				default:
					return
				}
			}
		}
	}
}

// collect takes first plus whatever is already queued, up to maxAsyncBatch.
func (a *Async) collect(first Event) []Event {
	batch := []Event{first}
	for len(batch) < maxAsyncBatch {
		select {
		case ev := <-a.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (a *Async) flush(ctx context.Context, batch []Event) {
	if bp, ok := a.next.(BatchPublisher); ok && len(batch) > 1 {
		if err := bp.PublishBatch(ctx, batch); err != nil {
			logger.Warn(ctx, "publish event batch failed", zap.Int("count", len(batch)), zap.Error(err))
		}
		return
	}
	for _, ev := range batch {
		if err := a.next.Publish(ctx, ev); err != nil {
			logger.Warn(ctx, "publish event failed", zap.String("type", string(ev.Type)), zap.String("unit", ev.Unit), zap.Error(err))
		}
	}
}
