package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventNodeOffline, Metadata: map[string]string{"node_id": "i2"}})

	for _, sub := range []Subscriber{s1, s2} {
		ev := receive(t, sub)
		assert.Equal(t, EventNodeOffline, ev.Type)
		assert.Equal(t, "i2", ev.Metadata["node_id"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}

	b.Unsubscribe(s2)
	assert.Equal(t, 1, b.SubscriberCount())
	_, open := <-s2
	assert.False(t, open)
}

func TestPublishKeepsID(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{ID: "fixed", Type: EventPluginEnabled})
	assert.Equal(t, "fixed", receive(t, sub).ID)
}

func TestPublishNeverBlocks(t *testing.T) {
	// Not started: nothing drains the queue
	b := NewBroker()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventRoutePoisoned})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "Publish blocked on a full queue")
	}
}
