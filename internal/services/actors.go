package services

import (
	"context"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// ActorDirectory resolves assignees to display names. User and agent
// records live outside the hub.
type ActorDirectory interface {
	// Lookup returns the display name of ref. ok is false when the actor
	// does not exist.
	Lookup(ctx context.Context, ref domain.ActorRef) (name string, ok bool)
}

// StaticDirectory is an in-memory ActorDirectory keyed by actor id.
// Unknown ids resolve to the id itself unless Strict is set.
type StaticDirectory struct {
	Users  map[string]string
	Agents map[string]string
	Strict bool
}

func (d StaticDirectory) Lookup(_ context.Context, ref domain.ActorRef) (string, bool) {
	names := d.Users
	if ref.Kind == domain.ActorAgent {
		names = d.Agents
	}
	if name, ok := names[ref.ID]; ok {
		return name, true
	}
	if d.Strict {
		return "", false
	}
	return ref.ID, true
}
