package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker(8)

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(TypeNewFinding, NewFinding{VulnType: "xss", Severity: "high"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeNewFinding, ev.Type)
			payload, ok := ev.Data.(NewFinding)
			require.True(t, ok)
			assert.Equal(t, "xss", payload.VulnType)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBrokerPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewBroker(1)

	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The subscriber never drains; the second publish must drop.
		b.Publish(TypeScanStats, ScanStats{})
		b.Publish(TypeScanStats, ScanStats{})
		b.Publish(TypeScanStats, ScanStats{})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

func TestBrokerCancelUnsubscribes(t *testing.T) {
	b := NewBroker(0)

	ch, cancel := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")

	// Cancelling twice must not panic.
	cancel()
}
