package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// DialOptions configures the broker connection.
type DialOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
}

// maxDelay caps the dial backoff.
const maxDelay = 60 * time.Second

type publishFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) error

// Mirror publishes envelopes to a durable topic exchange.
type Mirror struct {
	conn     *amqp.Connection
	exchange string
	publish  publishFunc
}

// Dial connects with exponential backoff, declares the exchange, and
// returns a Mirror. It honors ctx cancellation between attempts.
func Dial(ctx context.Context, opts DialOptions) (*Mirror, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}

	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				log.Info().Int("attempt", i).Msg("amqp connected")
			}
			return newMirror(conn, opts.Exchange)
		}
		lastErr = err

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDelay {
			sleep = maxDelay
		}
		log.Warn().Err(err).Int("attempt", i).Dur("sleep", sleep).Msg("amqp dial failed")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", opts.RetryAttempts, lastErr)
}

func newMirror(conn *amqp.Connection, exchange string) (*Mirror, error) {
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	m := &Mirror{conn: conn, exchange: exchange}
	m.publish = m.publishOnChannel
	return m, nil
}

func (m *Mirror) publishOnChannel(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	ch, err := m.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

// Publish mirrors one fan-out publication.
func (m *Mirror) Publish(ctx context.Context, room, event string, payload any) error {
	env := NewEnvelope(ctx, room, event, payload)
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	cid := uuid.NewString()
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}
	return m.publish(ctx, m.exchange, RoutingKey(event), amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
}

// Close closes the broker connection.
func (m *Mirror) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}
