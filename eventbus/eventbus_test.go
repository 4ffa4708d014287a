package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedValues(t *testing.T) {
	b := New[int](4)
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, 1, <-ch)
	assert.Equal(t, 2, <-ch)
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New[int](2)
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(1)
	b.Publish(2)
	b.Publish(3) // 1 should be dropped

	assert.Equal(t, 2, <-ch)
	assert.Equal(t, 3, <-ch)
}

func TestFreshSubscriptionMissesPastEvents(t *testing.T) {
	b := New[int](4)
	b.Publish(1) // no subscribers yet, dropped

	ch, unsub := b.Subscribe()
	defer unsub()
	b.Publish(2)

	assert.Equal(t, 2, <-ch)
}

func TestIndependentSubscribersDoNotStarveEachOther(t *testing.T) {
	b := New[int](4)
	slow, unsubSlow := b.Subscribe()
	fast, unsubFast := b.Subscribe()
	defer unsubSlow()
	defer unsubFast()

	b.Publish(1)
	b.Publish(2)

	// Drain only fast; slow must still hold both values independently.
	assert.Equal(t, 1, <-fast)
	assert.Equal(t, 2, <-fast)

	assert.Equal(t, 1, <-slow)
	assert.Equal(t, 2, <-slow)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New[int](2)
	ch, unsub := b.Subscribe()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := New[int](2)
	ch1, _ := b.Subscribe()
	ch2, _ := b.Subscribe()

	b.Close()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)

	// Publish and Subscribe after Close are safe no-ops.
	b.Publish(1)
	chAfter, _ := b.Subscribe()
	select {
	case _, ok := <-chAfter:
		assert.False(t, ok)
	case <-time.After(50 * time.Millisecond):
		t.Fatal("expected closed channel after Bus.Close")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New[int](2)
	require.Equal(t, 0, b.SubscriberCount())
	_, unsub1 := b.Subscribe()
	_, unsub2 := b.Subscribe()
	require.Equal(t, 2, b.SubscriberCount())
	unsub1()
	assert.Equal(t, 1, b.SubscriberCount())
	unsub2()
	assert.Equal(t, 0, b.SubscriberCount())
}
