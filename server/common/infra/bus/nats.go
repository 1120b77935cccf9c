package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

type NATSBus struct {
	nc      *nats.Conn
	subject string

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATS(url, subject string) (*NATSBus, error) {
	nc, err := nats.Connect(url, nats.Name("dm_server"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSBus{nc: nc, subject: subject}, nil
}

func (b *NATSBus) Publish(_ context.Context, payload []byte) error {
	return b.nc.Publish(b.subject, payload)
}

func (b *NATSBus) Subscribe(_ context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.New("nats bus already subscribed")
	}
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.subject, err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	b.sub = sub
	return nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
	b.nc.Close()
	return nil
}
