package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"unithost/internal/common/mq"
	"unithost/internal/events"
	appErr "unithost/pkg/errors"
)

type fakeProducer struct {
	topic    string
	messages []*mq.Message
	batches  int
	err      error
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, m *mq.Message) error {
	if f.err != nil {
		return f.err
	}
	f.topic = topic
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeProducer) PublishBatch(ctx context.Context, topic string, ms []*mq.Message) error {
	f.batches++
	for _, m := range ms {
		if err := f.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeProducer) Ping(context.Context) error { return nil }
func (f *fakeProducer) Close() error               { return nil }

func TestMQPublisherPublishesJSON(t *testing.T) {
	producer := &fakeProducer{}
	p := events.NewMQPublisher(producer, "unithost.events")

	err := p.Publish(context.Background(), events.Event{
		Type:   events.JobFinished,
		Unit:   "job.py",
		RunID:  "run-1",
		Status: "completed",
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if producer.topic != "unithost.events" || len(producer.messages) != 1 {
		t.Fatalf("unexpected publish: topic=%s n=%d", producer.topic, len(producer.messages))
	}
	msg := producer.messages[0]
	if msg.ID != "job.py" {
		t.Fatalf("unexpected key: %s", msg.ID)
	}
	if v, _ := msg.GetHeader("event_type"); v != "job.finished" {
		t.Fatalf("unexpected event_type header: %s", v)
	}
	var got events.Event
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Status != "completed" || got.CreatedAt == 0 {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestMQPublisherErrors(t *testing.T) {
	p := events.NewMQPublisher(&fakeProducer{err: errors.New("broker down")}, "t")
	if err := p.Publish(context.Background(), events.Event{Type: events.MountAdded}); !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
	if err := p.Publish(context.Background(), events.Event{}); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// Emit never surfaces failures.
	events.Emit(context.Background(), p, events.Event{Type: events.MountAdded})
	events.Emit(context.Background(), nil, events.Event{Type: events.MountAdded})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestAsyncFlushesOnClose(t *testing.T) {
	rec := &recordingPublisher{}
	a := events.NewAsync(rec, 16)
	for i := 0; i < 10; i++ {
		if err := a.Publish(context.Background(), events.Event{Type: events.JobStarted}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	rec.mu.Lock()
	n := len(rec.events)
	rec.mu.Unlock()
	if n != 10 {
		t.Fatalf("expected 10 events flushed, got %d", n)
	}
	if err := a.Publish(context.Background(), events.Event{Type: events.JobStarted}); !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("expected publish after close to fail, got %v", err)
	}
}

func TestAsyncDeliversEveryAcceptedEventWhenClosedConcurrently(t *testing.T) {
	for round := 0; round < 20; round++ {
		rec := &recordingPublisher{}
		a := events.NewAsync(rec, 1024)

		var accepted atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					if err := a.Publish(context.Background(), events.Event{Type: events.JobStarted}); err != nil {
						if appErr.Is(err, appErr.ServiceUnavailable) {
							return
						}
						continue
					}
					accepted.Add(1)
				}
			}()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Close(ctx); err != nil {
			cancel()
			t.Fatalf("close failed: %v", err)
		}
		cancel()
		wg.Wait()

		rec.mu.Lock()
		n := len(rec.events)
		rec.mu.Unlock()
		if int64(n) != accepted.Load() {
			t.Fatalf("round %d: accepted %d events, published %d", round, accepted.Load(), n)
		}
	}
}

type gatedBatchPublisher struct {
	recordingPublisher
	started chan struct{}
	release chan struct{}
	once    sync.Once
	batches []int
}

func (g *gatedBatchPublisher) Publish(ctx context.Context, ev events.Event) error {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.recordingPublisher.Publish(ctx, ev)
}

func (g *gatedBatchPublisher) PublishBatch(ctx context.Context, batch []events.Event) error {
	g.mu.Lock()
	g.batches = append(g.batches, len(batch))
	g.events = append(g.events, batch...)
	g.mu.Unlock()
	return nil
}

func TestAsyncBatchesQueuedEvents(t *testing.T) {
	g := &gatedBatchPublisher{started: make(chan struct{}), release: make(chan struct{})}
	a := events.NewAsync(g, 16)

	if err := a.Publish(context.Background(), events.Event{Type: events.JobStarted}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	<-g.started
	for i := 0; i < 5; i++ {
		if err := a.Publish(context.Background(), events.Event{Type: events.JobFinished}); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}
	close(g.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(g.events))
	}
	if len(g.batches) != 1 || g.batches[0] != 5 {
		t.Fatalf("expected one batch of 5, got %v", g.batches)
	}
}

func TestMQPublisherBatch(t *testing.T) {
	producer := &fakeProducer{}
	p := events.NewMQPublisher(producer, "unithost.events")
	err := p.PublishBatch(context.Background(), []events.Event{
		{Type: events.MountAdded, Unit: "api.py"},
		{Type: events.MountRemoved, Unit: "api.py"},
	})
	if err != nil {
		t.Fatalf("publish batch failed: %v", err)
	}
	if producer.batches != 1 || len(producer.messages) != 2 {
		t.Fatalf("unexpected batch publish: calls=%d n=%d", producer.batches, len(producer.messages))
	}
	if v, _ := producer.messages[1].GetHeader("event_type"); v != "mount.removed" {
		t.Fatalf("unexpected event_type header: %s", v)
	}
	if err := p.PublishBatch(context.Background(), []events.Event{{Unit: "x"}}); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
