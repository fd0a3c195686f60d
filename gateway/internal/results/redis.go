package results

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBroker delivers outcomes across gateway instances over pub/sub, so a
// worker in one process can answer a request held open by another.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

type redisSub struct {
	ps *redis.PubSub
}

// Subscribe returns once the subscription is confirmed by the server.
func (b *RedisBroker) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to results: %w", err)
	}
	return &redisSub{ps: ps}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, o Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := b.client.Publish(ctx, channel(o.JobID), data).Err(); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

func (s *redisSub) Wait(ctx context.Context) (*Outcome, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receive outcome: %w", err)
	}
	var o Outcome
	if err := json.Unmarshal([]byte(msg.Payload), &o); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &o, nil
}

func (s *redisSub) Close() error {
	return s.ps.Close()
}
