package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishReachesSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(TopicUsageUpdate)
	defer sub.Close()

	b.Publish(TopicUsageUpdate, UsageUpdate{AccountID: "a1", ProviderID: "claude"})

	select {
	case ev := <-sub.C():
		assert.Equal(t, TopicUsageUpdate, ev.Topic)
		payload, ok := ev.Payload.(UsageUpdate)
		require.True(t, ok)
		assert.Equal(t, "a1", payload.AccountID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_TopicFiltering(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(TopicSessionStatus)
	defer sub.Close()

	b.Publish(TopicUsageUpdate, UsageUpdate{AccountID: "a1"})
	b.Publish(TopicSessionStatus, SessionStatus{AccountID: "a1", Paused: true})

	ev := <-sub.C()
	assert.Equal(t, TopicSessionStatus, ev.Topic)
	assert.Len(t, sub.C(), 0)
}

func TestBus_SlowConsumerDropsOldest(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(TopicUsageUpdate)
	defer sub.Close()

	// Overfill the buffer without draining.
	total := subscriptionBuffer + 10
	for i := 0; i < total; i++ {
		b.Publish(TopicUsageUpdate, UsageUpdate{AccountID: "a1", Error: ""})
	}

	// The channel holds at most the buffer size; the newest event survived.
	assert.LessOrEqual(t, len(sub.C()), subscriptionBuffer)
	assert.Greater(t, len(sub.C()), 0)
}

func TestBus_CloseSubscriptionStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(TopicUsageUpdate)
	sub.Close()

	// Publishing after close must not panic and the channel is closed.
	b.Publish(TopicUsageUpdate, UsageUpdate{AccountID: "a1"})
	_, open := <-sub.C()
	assert.False(t, open)
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Close()
	b.Close()
	sub.Close()

	_, open := <-sub.C()
	assert.False(t, open)
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	b := New()
	b.Close()

	sub := b.Subscribe(TopicUsageUpdate)
	_, open := <-sub.C()
	assert.False(t, open)
}

