package api

import (
	"context"
	"sync"
	"time"

	"unithost/internal/command"
)

const defaultSubscriberBuffer = 32

// FeedMessage is one reply about a unit.
type FeedMessage struct {
	Unit string    `json:"unit"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Feed fans out job replies to watchers of a unit. Delivery never blocks:
// a subscriber whose buffer is full misses the message.
type Feed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan FeedMessage
	buffer int
}

// NewFeed creates an empty feed.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Feed{subs: make(map[string]map[int]chan FeedMessage), buffer: buffer}
}

// Subscribe registers a watcher for unit. The returned cancel func must be called.
func (f *Feed) Subscribe(unit string) (<-chan FeedMessage, func()) {
	ch := make(chan FeedMessage, f.buffer)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	if f.subs[unit] == nil {
		f.subs[unit] = make(map[int]chan FeedMessage)
	}
	f.subs[unit][id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[unit], id)
			if len(f.subs[unit]) == 0 {
				delete(f.subs, unit)
			}
			f.mu.Unlock()
		})
	}
}

// Publish delivers text to the current watchers of unit and reports how many got it.
func (f *Feed) Publish(unit, text string) int {
	msg := FeedMessage{Unit: unit, Text: text, At: time.Now()}
	f.mu.RLock()
	defer f.mu.RUnlock()
	delivered := 0
	for _, ch := range f.subs[unit] {
		select {
		case ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of watchers of unit.
func (f *Feed) Subscribers(unit string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[unit])
}

// ReplyTo returns a reply channel publishing to watchers of unit.
func (f *Feed) ReplyTo(unit string) command.ReplyChannel {
	return command.ReplyFunc(func(ctx context.Context, text string) error {
		f.Publish(unit, text)
		return nil
	})
}
