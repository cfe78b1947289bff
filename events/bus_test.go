package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	seen []Event
}

func (c *collector) handler(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, ev)
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.seen))
	for i, ev := range c.seen {
		out[i] = ev.Name
	}
	return out
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	var got collector
	bus.Subscribe(EntryPublish, got.handler)

	bus.Emit(context.Background(), Event{Name: EntryPublish, DocumentID: "d1", Timestamp: time.Now()})
	bus.Emit(context.Background(), Event{Name: EntryDelete, DocumentID: "d1", Timestamp: time.Now()})
	bus.Wait()

	require.Equal(t, []string{EntryPublish}, got.names())
}

func TestBusWildcardSubscription(t *testing.T) {
	bus := NewBus()
	var got collector
	bus.Subscribe(All, got.handler)

	bus.Emit(context.Background(), Event{Name: EntryCreate})
	bus.Emit(context.Background(), Event{Name: EntryUnpublish})
	bus.Wait()

	require.Len(t, got.names(), 2)
}

func TestBusSubscriptionNameIsNormalized(t *testing.T) {
	bus := NewBus()
	var got collector
	bus.Subscribe(" entry_create ", got.handler)

	bus.Emit(context.Background(), Event{Name: EntryCreate})
	bus.Wait()

	require.Equal(t, []string{EntryCreate}, got.names())
}

func TestIsKnown(t *testing.T) {
	for _, name := range Names() {
		require.True(t, IsKnown(name))
	}
	require.False(t, IsKnown("ENTRY_EXPLODE"))
}
