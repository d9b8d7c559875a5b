package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishDeliversToAllSubscribers(t *testing.T) {
	h := NewHub[int](4)
	_, ch1 := h.Subscribe()
	_, ch2 := h.Subscribe()

	assert.Equal(t, 2, h.Publish(7))
	assert.Equal(t, 7, <-ch1)
	assert.Equal(t, 7, <-ch2)
}

func TestHub_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	h := NewHub[int](1)
	_, slow := h.Subscribe()
	_, fast := h.Subscribe()

	assert.Equal(t, 2, h.Publish(1))
	<-fast
	// slow still holds event 1, so event 2 is dropped for it only
	assert.Equal(t, 1, h.Publish(2))

	assert.Equal(t, 1, <-slow)
	assert.Equal(t, 2, <-fast)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub[string](0)
	id, ch := h.Subscribe()
	require.Equal(t, 1, h.SubscriberCount())

	h.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.SubscriberCount())

	// second unsubscribe is ignored
	h.Unsubscribe(id)
	h.Unsubscribe("unknown")
}

func TestHub_Close(t *testing.T) {
	h := NewHub[string](0)
	_, ch := h.Subscribe()

	h.Close()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Publish("ignored"))

	_, late := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	h.Close()
}
