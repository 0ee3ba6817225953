package services

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcore/internal/core/domain"
)

func TestEventStream_DeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var tapped []string
	s := NewEventStream("s1", func(id string, ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		tapped = append(tapped, fmt.Sprintf("%s:%d", id, ev.(domain.ConnectionStateChanged).Reason))
	})
	defer s.Close()

	// publishing never waits for the consumer
	for i := 0; i < 100; i++ {
		s.Publish(domain.ConnectionStateChanged{State: domain.ConnectionStateConnecting, Reason: domain.ConnectionChangeReason(i % 15)})
	}
	for i := 0; i < 100; i++ {
		ev := <-s.Events()
		require.Equal(t, domain.ConnectionChangeReason(i%15), ev.(domain.ConnectionStateChanged).Reason)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, tapped, 100)
	assert.Equal(t, "s1:0", tapped[0])
	assert.Equal(t, "s1:9", tapped[99])
}

func TestEventStream_CloseEndsChannel(t *testing.T) {
	s := NewEventStream("s1")
	s.Publish(domain.LeaveChannel{})
	s.Close()
	s.Close()
	s.Publish(domain.LeaveChannel{})

	for range s.Events() {
	}
}
