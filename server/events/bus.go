package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/securewatch/securewatch/server/models"
)

type Type string

const (
	EpisodeStart    Type = "episode:start"
	EpisodeReady    Type = "episode:ready"
	EpisodeAnalyzed Type = "episode:analyzed"
)

// Event is the typed handoff between the state machines and their consumers
// (persistence, analysis queue, websocket push).
type Event struct {
	Type       Type               `json:"type"`
	EpisodeID  string             `json:"episode_id"`
	CameraID   string             `json:"camera_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Episode    *models.Episode    `json:"episode,omitempty"`
	Detections []models.Detection `json:"-"`
	Analysis   *models.Analysis   `json:"analysis,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to all current subscribers in emission order. Publish
// never blocks: a subscriber whose buffer is full loses the event and the
// drop counter increments. The detection hot path must not stall on a slow
// dashboard client.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a receive channel and an unsubscribe func. The channel is
// closed on unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
		b.mu.Unlock()
	}

	return sub.ch, unsubscribe
}

func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
