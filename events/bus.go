package events

import (
	"context"
	"strings"
	"sync"
)

// Handler consumes one event.
type Handler func(ctx context.Context, ev Event)

// Bus is an in-process Emitter fanning events out to subscribers. Each
// delivery runs in its own goroutine so a slow subscriber cannot stall a
// write operation.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers fn for the given event name, or for every event when
// name is All.
func (b *Bus) Subscribe(name string, fn Handler) {
	name = strings.ToUpper(strings.TrimSpace(name))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], fn)
}

func (b *Bus) Emit(ctx context.Context, ev Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[ev.Name])+len(b.handlers[All]))
	targets = append(targets, b.handlers[ev.Name]...)
	targets = append(targets, b.handlers[All]...)
	b.mu.RUnlock()

	for _, fn := range targets {
		b.wg.Add(1)
		go func(fn Handler) {
			defer b.wg.Done()
			fn(ctx, ev)
		}(fn)
	}
}

// Wait blocks until every delivery started so far has finished. Meant for
// tests and shutdown paths.
func (b *Bus) Wait() {
	b.wg.Wait()
}
