package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

// confirmation is the broker's answer for one delivery tag.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type channel interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	Close() error
}

// confirmChannel adapts *amqp.Channel in confirm mode.
type confirmChannel struct {
	*amqp.Channel
}

func (c confirmChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("amqp channel is not in confirm mode")
	}
	return dc, nil
}

// AMQPPublisher publishes to a durable topic exchange with publisher
// confirms; the routing key is the event topic.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	mu       sync.Mutex
}

func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &AMQPPublisher{
		conn:     conn,
		ch:       confirmChannel{ch},
		exchange: exchange,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    evt.ID.String(),
		Timestamp:    evt.OccurredAt,
		Type:         evt.Topic,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	// The wait below is tied to this delivery tag and runs unlocked.
	p.mu.Lock()
	conf, err := p.ch.Publish(ctx, p.exchange, evt.Topic, msg)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.Topic, err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.Topic, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: broker nacked message", evt.Topic)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
