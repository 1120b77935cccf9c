package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	commonlog "dm_server/server/common/log"
)

const (
	consumeRetryMin = 100 * time.Millisecond
	consumeRetryMax = 2 * time.Second
)

type RedisBus struct {
	client  *redis.Client
	channel string

	mu     sync.Mutex
	sub    *redis.PubSub
	cancel context.CancelFunc
}

func NewRedis(client *redis.Client, channel string) *RedisBus {
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.New("redis bus already subscribed")
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := b.client.Subscribe(subCtx, b.channel)
	if _, err := sub.Receive(subCtx); err != nil {
		cancel()
		_ = sub.Close()
		return err
	}
	b.sub = sub
	b.cancel = cancel

	go b.consume(subCtx, sub, handler)
	return nil
}

// consume keeps receiving until ctx ends. go-redis redials and resubscribes
// the PubSub on the next receive after a connection error.
func (b *RedisBus) consume(ctx context.Context, sub *redis.PubSub, handler Handler) {
	retry := consumeRetryMin
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			commonlog.Warnf("event=bus action=consume status=retry driver=redis channel=%s backoff=%s error=%v", b.channel, retry, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			retry = min(retry*2, consumeRetryMax)
			continue
		}
		retry = consumeRetryMin
		handler([]byte(msg.Payload))
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.sub != nil {
		err := b.sub.Close()
		b.sub = nil
		return err
	}
	return nil
}
