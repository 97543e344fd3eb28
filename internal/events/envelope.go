// Package events mirrors fan-out bus publications to RabbitMQ so processes
// outside the hub (automated agents, analytics) can consume conversation
// activity without holding websocket connections.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Producer identifies this service in envelope metadata.
const Producer = "messaging-hub"

// Meta is the envelope header.
type Meta struct {
	CorrelationID *string   `json:"correlation_id,omitempty"`
	ID            string    `json:"id"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope is the message body written to the exchange.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// RoomEvent is the data of a mirrored publication.
type RoomEvent struct {
	Room    string `json:"room"`
	Payload any    `json:"payload"`
}

// NewEnvelope builds the envelope for one publication. The correlation id is
// the active trace id, when there is one.
func NewEnvelope(ctx context.Context, room, event string, payload any) Envelope {
	producer := Producer
	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: &producer,
			Time:     time.Now().UTC(),
			Type:     event,
		},
		Data: RoomEvent{Room: room, Payload: payload},
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		tid := sc.TraceID().String()
		env.Meta.CorrelationID = &tid
	}
	return env
}

// RoutingKey maps an event name to a topic routing key: "message:new"
// becomes "message.new" so consumers can bind "message.*".
func RoutingKey(event string) string {
	return strings.ReplaceAll(event, ":", ".")
}
