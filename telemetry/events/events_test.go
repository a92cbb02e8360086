package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	bus := NewBus(nil)
	sub, err := bus.Subscribe(4)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, bus.Publish(Event{Category: CategoryCollector, Type: "poll_complete"}))
	select {
	case ev := <-sub.C():
		assert.Equal(t, CategoryCollector, ev.Category)
		assert.False(t, ev.Time.IsZero(), "publish stamps the time")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishRequiresCategory(t *testing.T) {
	bus := NewBus(nil)
	assert.Error(t, bus.Publish(Event{Type: "no_category"}))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(nil)
	sub, err := bus.Subscribe(1)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(Event{Category: CategoryPipeline, Type: "tick"}))
	}
	stats := bus.Stats()
	assert.Equal(t, uint64(5), stats.Published)
	assert.Equal(t, uint64(4), stats.Dropped)
	assert.Equal(t, uint64(4), stats.PerSubscriberDrops[sub.ID()])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	sub, err := bus.Subscribe(1)
	require.NoError(t, err)
	require.NoError(t, bus.Unsubscribe(sub))
	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, int64(0), bus.Stats().Subscribers)
}
