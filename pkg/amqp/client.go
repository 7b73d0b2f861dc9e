// Package amqp provides a delivery client that publishes notification
// payloads to a RabbitMQ exchange, for destinations bridged through a
// message broker. The channel address is used as the routing key.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/retry"

	"github.com/polizaops/scheduled-notifier/internal/delivery"
)

// Client publishes notification payloads to a single exchange.
type Client struct {
	publisher *rabbitmq.Publisher
	strategy  retry.Strategy
}

// NewClient declares the exchange on the channel and returns a publisher
// bound to it. The retry strategy covers broker hiccups on publish.
func NewClient(ch *rabbitmq.Channel, exchangeName string, strategy retry.Strategy) (*Client, error) {
	exchange := rabbitmq.NewExchange(exchangeName, "direct")
	if err := exchange.BindToChannel(ch); err != nil {
		return nil, fmt.Errorf("failed to bind to exchange: %w", err)
	}

	return &Client{
		publisher: rabbitmq.NewPublisher(ch, exchange.Name()),
		strategy:  strategy,
	}, nil
}

// Send publishes the payload as JSON with the address as routing key.
// Publish failures are transient: the broker being unreachable says nothing
// about the destination.
func (c *Client) Send(ctx context.Context, address string, payload map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if err := c.publisher.PublishWithRetry(body, address, "application/json", c.strategy); err != nil {
		return delivery.Transient(fmt.Errorf("failed to publish payload: %w", err))
	}

	return nil
}
