// Package events publishes pool lifecycle events to a Redis stream.
package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Type string

const (
	PoolCreated    Type = "pool.created"
	StakePlaced    Type = "stake.placed"
	PoolClosed     Type = "pool.closed"
	PoolSettled    Type = "pool.settled"
	SpectatorClaim Type = "claim.spectator"
	PlayerClaim    Type = "claim.player"
)

type Event struct {
	Type   Type
	PoolID string
	Actor  string
	Side   uint8
	Amount uint64
	At     time.Time
}

// Values flattens the event into stream fields.
func (e Event) Values() map[string]interface{} {
	return map[string]interface{}{
		"type":   string(e.Type),
		"pool":   e.PoolID,
		"actor":  e.Actor,
		"side":   strconv.Itoa(int(e.Side)),
		"amount": strconv.FormatUint(e.Amount, 10),
		"at":     e.At.UTC().Format(time.RFC3339Nano),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events. Used when no Redis is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// StreamPublisher appends events to one Redis stream.
type StreamPublisher struct {
	client *redis.Client
	stream string
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream}
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, addr, password, stream string) (*StreamPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewStreamPublisher(client, stream), nil
}

func (p *StreamPublisher) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: e.Values(),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}
	return nil
}

func (p *StreamPublisher) Close() error {
	return p.client.Close()
}
