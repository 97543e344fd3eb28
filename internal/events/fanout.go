package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Publisher is implemented by the real-time hub and by Mirror.
type Publisher interface {
	Publish(ctx context.Context, room, event string, payload any) error
}

// Fanout delivers to a primary publisher and best-effort mirrors. Only the
// primary's error is returned; mirror failures are logged.
type Fanout struct {
	primary Publisher
	mirrors []Publisher
}

// NewFanout returns a Fanout. Nil mirrors are skipped.
func NewFanout(primary Publisher, mirrors ...Publisher) *Fanout {
	f := &Fanout{primary: primary}
	for _, m := range mirrors {
		if m != nil {
			f.mirrors = append(f.mirrors, m)
		}
	}
	return f
}

func (f *Fanout) Publish(ctx context.Context, room, event string, payload any) error {
	err := f.primary.Publish(ctx, room, event, payload)
	for _, m := range f.mirrors {
		if merr := m.Publish(ctx, room, event, payload); merr != nil {
			log.Warn().Err(merr).Str("room", room).Str("event", event).Msg("event mirror publish failed")
		}
	}
	return err
}
