package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/relaysms/triage-gateway/internal/core_domain"
	"github.com/relaysms/triage-gateway/internal/triage"
)

// Consumer feeds normalized inbound messages from the broker into the
// triage service. The upstream adapter layer publishes them after reducing
// provider payloads to the canonical shape; everything before that queue
// is outside this core.
type Consumer struct {
	url     string
	queue   string
	service *triage.Service
	logger  *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer creates a Consumer for the given broker URL and queue.
func NewConsumer(url, queueName string, service *triage.Service, logger *slog.Logger) *Consumer {
	return &Consumer{
		url:     url,
		queue:   queueName,
		service: service,
		logger:  logger.With("component", "inbound_consumer"),
	}
}

// Start connects, declares the inbound queue, and consumes it until the
// context is cancelled or the broker closes the channel.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open broker channel: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare inbound queue %q: %w", c.queue, err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to consume inbound queue %q: %w", c.queue, err)
	}
	c.conn = conn
	c.ch = ch

	c.logger.InfoContext(ctx, "Consuming inbound messages", "queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("inbound delivery channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	msg, err := decodeInbound(d.Body)
	if err != nil {
		// A payload the adapter layer could not shape correctly will not
		// improve on redelivery; drop it with a log line.
		c.logger.ErrorContext(ctx, "Failed to decode inbound message; dropping", "error", err, "body_len", len(d.Body))
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.ErrorContext(ctx, "Failed to ack inbound message", "error", ackErr)
		}
		return
	}

	result := c.service.Process(ctx, msg)
	if result.Err != nil {
		c.logger.ErrorContext(ctx, "Inbound message processing failed",
			"error", result.Err, "sender", msg.Sender, "action", result.Action)
	}
	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.ErrorContext(ctx, "Failed to ack inbound message", "error", ackErr)
	}
}

// decodeInbound parses and minimally validates a normalized message.
func decodeInbound(body []byte) (core_domain.NormalizedMessage, error) {
	var msg core_domain.NormalizedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.Sender == "" {
		return msg, fmt.Errorf("missing sender")
	}
	switch msg.Channel {
	case core_domain.ChannelSMS, core_domain.ChannelEmail, core_domain.ChannelOther:
	case "":
		msg.Channel = core_domain.ChannelOther
	default:
		return msg, fmt.Errorf("unknown channel %q", msg.Channel)
	}
	return msg, nil
}

// Close tears down the broker connection. Safe to call when Start failed.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
