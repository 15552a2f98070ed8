package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

func TestBroadcastPreservesOrderPerSubscriber(t *testing.T) {
	b := NewBroadcaster()

	var mu sync.Mutex
	var received []string
	done := make(chan struct{})

	b.Subscribe("sub1", func(ev protocol.EventFrame) {
		mu.Lock()
		received = append(received, ev.Name)
		if len(received) == 50 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		b.Broadcast(*protocol.NewEvent(fmt.Sprintf("ev-%d", i), nil))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, name := range received {
		if name != fmt.Sprintf("ev-%d", i) {
			t.Fatalf("event %d = %s, out of order", i, name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	b := NewBroadcaster()

	block := make(chan struct{})
	b.Subscribe("slow", func(ev protocol.EventFrame) {
		<-block
	})

	// Far more events than the buffer holds; Broadcast must not block.
	doneBroadcast := make(chan struct{})
	go func() {
		for i := 0; i < DefaultSubscriberBuffer*3; i++ {
			b.Broadcast(*protocol.NewEvent("flood", nil))
		}
		close(doneBroadcast)
	}()

	select {
	case <-doneBroadcast:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
	close(block)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster()

	var mu sync.Mutex
	count := 0
	b.Subscribe("sub", func(ev protocol.EventFrame) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	b.Broadcast(*protocol.NewEvent("one", nil))
	time.Sleep(20 * time.Millisecond)
	b.Unsubscribe("sub")
	b.Broadcast(*protocol.NewEvent("two", nil))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("delivered %d events, want 1", count)
	}
}
