package app

import (
	"sync"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/rs/zerolog/log"
)

// Event is anything published on the Bus.
type Event interface {
	EventName() string
}

type StreamChanged struct {
	CallID   domain.CallID `json:"callId"`
	StreamID string        `json:"streamId"`
	TrackID  string        `json:"trackId"`
	Kind     string        `json:"kind"`
	State    string        `json:"state"`
	Muted    bool          `json:"muted"`
}

func (StreamChanged) EventName() string { return "stream" }

type PresentationChanged struct {
	CallID domain.CallID     `json:"callId"`
	State  PresentationState `json:"state"`
}

func (PresentationChanged) EventName() string { return "presentation" }

type ConnectionStateChanged struct {
	CallID domain.CallID `json:"callId"`
	Epoch  Epoch         `json:"epoch"`
	State  string        `json:"state"`
}

func (ConnectionStateChanged) EventName() string { return "connection" }

type ViewGenerationChanged struct {
	CallID         domain.CallID `json:"callId"`
	ViewGeneration uint64        `json:"viewGeneration"`
}

func (ViewGenerationChanged) EventName() string { return "view" }

type Listener func(Event)

// Bus fans events out to subscribed listeners. Listeners run on the
// publisher's goroutine, outside the bus lock.
type Bus struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]Listener
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[uint64]Listener)}
}

// Subscribe registers l and returns a func that removes it.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.listeners[id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	ls := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.RUnlock()

	for _, e := range events {
		log.Debug().Str("module", "app.bus").Str("event", e.EventName()).Int("listeners", len(ls)).Msg("publish")
		for _, l := range ls {
			l(e)
		}
	}
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
