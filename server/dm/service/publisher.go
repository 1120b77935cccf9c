package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"dm_server/server/common/infra/mq"
)

const (
	EventsExchange      = "dm.events"
	EventMessageCreated = "message.created"
	EventMessageRead    = "message.read"
)

type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

type DomainEvent struct {
	Event      string          `json:"event"`
	OccurredAt time.Time       `json:"occurred_at"`
	Message    json.RawMessage `json:"message"`
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type AMQPPublisher struct {
	mu       sync.Mutex
	channel  amqpChannel
	exchange string
	now      func() time.Time
}

func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	ch, err := mq.OpenTopicChannel(conn, EventsExchange)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{channel: ch, exchange: EventsExchange, now: time.Now}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event, err := json.Marshal(DomainEvent{Event: key, OccurredAt: p.now().UTC(), Message: body})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return errors.New("publisher closed")
	}
	return p.channel.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         event,
		Timestamp:    p.now(),
	})
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, any) error { return nil }
