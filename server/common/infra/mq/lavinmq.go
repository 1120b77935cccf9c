package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// OpenTopicChannel opens a channel on conn with a durable topic exchange declared.
func OpenTopicChannel(conn *amqp.Connection, exchange string) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return ch, nil
}
