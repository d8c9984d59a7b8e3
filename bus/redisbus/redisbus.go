// Package redisbus publishes appended events to Redis pub/sub.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/romshark/plow"
	"github.com/romshark/plow/db"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the channel events are published to by default.
const DefaultChannel = "plow.events"

var ErrNilHandler = errors.New("nil envelope handler")

// Envelope is the message published for each event.
type Envelope struct {
	Version       int64           `json:"version"`
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	StreamID      string          `json:"streamId,omitempty"`
	StreamVersion int64           `json:"streamVersion,omitempty"`
	Time          time.Time       `json:"time"`
	Revision      string          `json:"revision"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps e.
func NewEnvelope(e plow.Event) (Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding payload: %w", err)
	}
	return Envelope{
		Version:       e.Version(),
		ID:            e.ID(),
		Name:          e.Name(),
		StreamID:      e.StreamID(),
		StreamVersion: e.StreamVersion(),
		Time:          e.Time(),
		Revision:      e.RevisionVCS(),
		Payload:       payload,
	}, nil
}

// PublishClient is the subset of *goredis.Client the publisher needs.
type PublishClient interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// SubscribeClient is the subset of *goredis.Client Subscribe needs.
type SubscribeClient interface {
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
}

var _ PublishClient = (*goredis.Client)(nil)
var _ SubscribeClient = (*goredis.Client)(nil)

// Open connects to Redis at addr and pings it.
func Open(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctxPing).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Publisher is a plow.Projection publishing every appended event.
// Delivery is at-least-once: an event is published again if the
// projection version couldn't be persisted after publishing.
type Publisher struct {
	id      int32
	client  PublishClient
	channel string
	log     *slog.Logger
}

var _ plow.Projection = new(Publisher)

// NewPublisher creates a publisher projection identified by id.
// An empty channel defaults to DefaultChannel.
func NewPublisher(
	id int32, client PublishClient, channel string, log *slog.Logger,
) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{id: id, client: client, channel: channel, log: log}
}

func (p *Publisher) ProjectionID() int32 { return p.id }

func (p *Publisher) Backoff() (min, max time.Duration, factor, jitter float64) {
	return 50 * time.Millisecond, 5 * time.Second, 2, 0.2
}

// Channel returns the channel events are published to.
func (p *Publisher) Channel() string { return p.channel }

func (p *Publisher) Project(
	ctx context.Context, version int64, e plow.Event, _ db.TxReadOnly,
) error {
	env, err := NewEnvelope(e)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	receivers, err := p.client.Publish(ctx, p.channel, raw).Result()
	if err != nil {
		return fmt.Errorf("publishing event %d: %w", version, err)
	}
	p.log.Debug("published event",
		slog.Int64("version", version),
		slog.String("name", e.Name()),
		slog.Int64("receivers", receivers))
	return nil
}

// Subscribe receives envelopes published to channel and calls fn for
// each of them until ctx is canceled or the subscription is closed.
// Malformed messages are logged and skipped.
// If fn returns an error Subscribe stops and returns it.
func Subscribe(
	ctx context.Context, log *slog.Logger, client SubscribeClient, channel string,
	fn func(context.Context, Envelope) error,
) error {
	if fn == nil {
		return ErrNilHandler
	}
	if channel == "" {
		channel = DefaultChannel
	}

	sub := client.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()

	// Make sure the subscription actually started.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok || m == nil {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Warn("bad envelope payload", slog.Any("err", err))
				continue
			}
			if err := fn(ctx, env); err != nil {
				return err
			}
		}
	}
}
