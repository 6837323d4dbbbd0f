package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type redisPubSub interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) redisPubSub
	Close() error
}

// RedisBus relays messages over Redis pub/sub so a watcher in another process
// can follow a run.
type RedisBus struct {
	client redisClient
}

func NewRedisBus(url string) (*RedisBus, error) {
	if url == "" {
		url = "redis://127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBus{client: &redisClientAdapter{Client: redis.NewClient(opts)}}, nil
}

func (b *RedisBus) Publish(ctx context.Context, subject string, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, subject, raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error) {
	if b == nil || b.client == nil {
		return nil, nil, fmt.Errorf("redis bus is nil")
	}
	pubSub := b.client.Subscribe(ctx, subject)
	if pubSub == nil {
		return nil, nil, fmt.Errorf("subscribe %s failed", subject)
	}

	rawCh := pubSub.Channel()
	out := make(chan Message, 64)
	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = pubSub.Close()
			close(stop)
		})
	}

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case raw, ok := <-rawCh:
				if !ok {
					return
				}
				msg, err := ParseMessage([]byte(raw.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- msg:
				default:
				}
			}
		}
	}()

	return out, unsubscribe, nil
}

func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisClientAdapter struct {
	*redis.Client
}

func (r *redisClientAdapter) Subscribe(ctx context.Context, channels ...string) redisPubSub {
	return r.Client.Subscribe(ctx, channels...)
}
