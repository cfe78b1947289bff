// Package events carries the engine's lifecycle notifications. Every write
// operation emits one event per affected entry after its transaction
// commits; emission is fire-and-forget and never fails the operation.
package events

import (
	"context"
	"time"

	"github.com/verso-cms/core/rowstore"
)

const (
	EntryCreate       = "ENTRY_CREATE"
	EntryUpdate       = "ENTRY_UPDATE"
	EntryDelete       = "ENTRY_DELETE"
	EntryPublish      = "ENTRY_PUBLISH"
	EntryUnpublish    = "ENTRY_UNPUBLISH"
	EntryDraftDiscard = "ENTRY_DRAFT_DISCARD"
)

// All subscribes to every event name.
const All = "ALL"

var eventEnum = []string{
	EntryCreate,
	EntryUpdate,
	EntryDelete,
	EntryPublish,
	EntryUnpublish,
	EntryDraftDiscard,
}

var acceptedEvents = func() map[string]struct{} {
	out := make(map[string]struct{}, len(eventEnum))
	for _, event := range eventEnum {
		out[event] = struct{}{}
	}
	return out
}()

// Names returns the known event names.
func Names() []string {
	out := make([]string, len(eventEnum))
	copy(out, eventEnum)
	return out
}

// IsKnown reports whether name is an event the engine emits.
func IsKnown(name string) bool {
	_, ok := acceptedEvents[name]
	return ok
}

// Event is one emitted notification.
type Event struct {
	Name       string          `json:"event"`
	Kind       string          `json:"kind"`
	DocumentID string          `json:"documentId"`
	Entry      *rowstore.Entry `json:"entry,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Emitter receives engine events. Implementations must not block the
// caller; slow delivery belongs in a goroutine on the implementation side.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}
