package monitoring

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one structured entry in the live feed: a state transition,
// a conflict verdict, or a session change.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	PostID    int       `json:"post_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Action    string    `json:"action,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHub fans events out to websocket subscribers. Slow subscribers
// drop events rather than stall the publisher.
type EventHub struct {
	logger *zap.Logger
	runID  string

	mu   sync.RWMutex
	subs map[chan Event]struct{}

	recent []Event
}

const recentEvents = 128

// NewEventHub creates a hub stamped with the run ID
func NewEventHub(logger *zap.Logger, runID string) *EventHub {
	return &EventHub{
		logger: logger.Named("events"),
		runID:  runID,
		subs:   make(map[chan Event]struct{}),
	}
}

// Publish stamps and distributes an event
func (h *EventHub) Publish(event Event) {
	event.ID = uuid.NewString()
	event.RunID = h.runID
	event.Timestamp = time.Now()

	h.mu.Lock()
	h.recent = append(h.recent, event)
	if len(h.recent) > recentEvents {
		h.recent = h.recent[len(h.recent)-recentEvents:]
	}
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber channel
func (h *EventHub) Subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber
func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

// Recent returns the retained tail of the feed
func (h *EventHub) Recent() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.recent))
	copy(out, h.recent)
	return out
}
