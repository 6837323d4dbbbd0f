package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

type natsSubscription interface {
	Unsubscribe() error
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error)
	Close() error
}

type NATSBus struct {
	conn natsConn
}

func NewNATSBus(url string) (*NATSBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("testforge"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{conn: &natsConnAdapter{conn}}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject, raw)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error) {
	if b == nil || b.conn == nil {
		return nil, nil, fmt.Errorf("nats bus is nil")
	}

	out := make(chan Message, 64)
	var (
		stopped int32
		mu      sync.RWMutex
		once    sync.Once
		sub     natsSubscription
	)

	unsubscribe := func() {
		once.Do(func() {
			atomic.StoreInt32(&stopped, 1)
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			mu.Lock()
			defer mu.Unlock()
			close(out)
		})
	}

	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		if atomic.LoadInt32(&stopped) == 1 {
			return
		}
		msg, err := ParseMessage(m.Data)
		if err != nil {
			return
		}
		mu.RLock()
		defer mu.RUnlock()
		if atomic.LoadInt32(&stopped) == 1 {
			return
		}
		select {
		case out <- msg:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return out, unsubscribe, nil
}

func (b *NATSBus) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

type natsConnAdapter struct {
	*nats.Conn
}

func (a *natsConnAdapter) Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error) {
	return a.Conn.Subscribe(subject, handler)
}

func (a *natsConnAdapter) Close() error {
	a.Conn.Close()
	return nil
}
