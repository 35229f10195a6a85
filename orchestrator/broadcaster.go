package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AnTengye/contractguard/model"
)

// Event types sent to subscribers
const (
	EventConnection = "connection"
	EventState      = "state"
)

// Event is one state transition frame
type Event struct {
	Type        string      `json:"type"`
	AnalysisID  string      `json:"analysis_id"`
	State       model.State `json:"state"`
	At          time.Time   `json:"ts"`
	ErrorReason string      `json:"error_reason,omitempty"`
}

// Broadcaster fans state transitions out to the subscribers of each
// analysis. Every subscriber receives events in publish order.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Event
	nextID int
	buffer int
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold buffer
// events
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broadcaster{subs: make(map[string]map[int]chan Event), buffer: buffer}
}

// Subscribe registers a subscriber for analysisID. The channel is closed
// after a terminal state is delivered or when the returned func is called.
func (b *Broadcaster) Subscribe(analysisID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	if b.subs[analysisID] == nil {
		b.subs[analysisID] = make(map[int]chan Event)
	}
	b.subs[analysisID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(analysisID, id) })
	}
}

func (b *Broadcaster) remove(analysisID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[analysisID]
	if ch, ok := subs[id]; ok {
		close(ch)
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(b.subs, analysisID)
	}
}

// Publish delivers ev to every subscriber of its analysis without blocking.
// A subscriber whose buffer is full is dropped.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[ev.AnalysisID]
	for id, ch := range subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping slow subscriber", "analysis_id", ev.AnalysisID, "subscriber", id)
			close(ch)
			delete(subs, id)
		}
	}
	if ev.State.Terminal() {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
	}
	if len(subs) == 0 {
		delete(b.subs, ev.AnalysisID)
	}
}

// Subscribers returns the number of live subscribers of analysisID
func (b *Broadcaster) Subscribers(analysisID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[analysisID])
}
