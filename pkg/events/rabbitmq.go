package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultRabbitTimeout = 2 * time.Second

// RabbitMQPublisher publishes events to a fanout exchange
type RabbitMQPublisher struct {
	ch       *amqp.Channel
	exchange string
	timeout  time.Duration
}

var _ Publisher = (*RabbitMQPublisher)(nil)

// DialRabbitMQ opens a connection and channel
func DialRabbitMQ(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return conn, ch, nil
}

// NewRabbitMQPublisher declares the fanout exchange and returns a publisher for it
func NewRabbitMQPublisher(ch *amqp.Channel, exchange string) (*RabbitMQPublisher, error) {
	err := ch.ExchangeDeclare(
		exchange, // name
		"fanout", // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &RabbitMQPublisher{ch: ch, exchange: exchange, timeout: defaultRabbitTimeout}, nil
}

// Publish implements Publisher
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx,
		p.exchange, // exchange
		"",         // routing key (empty for fanout)
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Type:         event.Type,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.TS,
		})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}
