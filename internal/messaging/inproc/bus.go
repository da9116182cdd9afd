package inproc

import (
	"errors"
	"sync"

	"gridsignal/internal/domain"
)

var (
	ErrSubscriberNotRegistered = errors.New("subscriber is not registered in bus")
	ErrSubscriberQueueFull     = errors.New("subscriber queue is full")
)

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.ProgressEvent
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.ProgressEvent),
		buffer: buffer,
	}
}

func (b *Bus) Register(subscriberID string) <-chan domain.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.ProgressEvent, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

// Publish fans the event out to every subscriber. A full queue drops
// the event for that subscriber only; training never blocks on the UI.
func (b *Bus) Publish(evt domain.ProgressEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subs) == 0 {
		return ErrSubscriberNotRegistered
	}
	var err error
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			err = ErrSubscriberQueueFull
		}
	}
	return err
}
