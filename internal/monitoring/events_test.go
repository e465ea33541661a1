package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishStampsEvents(t *testing.T) {
	h := NewEventHub(zap.NewNop(), "run-1")
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.Publish(Event{Type: "state_transition", PostID: 2, State: "curse_active"})

	select {
	case ev := <-ch:
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "state_transition", ev.Type)
		assert.Equal(t, 2, ev.PostID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	h := NewEventHub(zap.NewNop(), "run-1")
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	// fill well past the subscriber buffer without draining
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(Event{Type: "conflict_resolution", PostID: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher stalled on a slow subscriber")
	}
}

func TestRecentKeepsBoundedTail(t *testing.T) {
	h := NewEventHub(zap.NewNop(), "run-1")

	for i := 0; i < recentEvents+50; i++ {
		h.Publish(Event{Type: "state_transition", PostID: i})
	}

	recent := h.Recent()
	require.Len(t, recent, recentEvents)
	assert.Equal(t, 50, recent[0].PostID, "oldest retained event follows the evicted ones")
	assert.Equal(t, recentEvents+49, recent[len(recent)-1].PostID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewEventHub(zap.NewNop(), "run-1")
	ch := h.Subscribe()
	h.Unsubscribe(ch)

	// channel is closed; publishing must not panic or redeliver
	h.Publish(Event{Type: "session_recovery"})
	_, open := <-ch
	assert.False(t, open)
}
