package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Config names the broker and the two durable queues.
type Config struct {
	URL         string
	InputQueue  string
	OutputQueue string
	// Prefetch bounds unacked deliveries and is also the number of workers.
	Prefetch int
}

// Client owns one AMQP connection with a consuming and a publishing channel.
type Client struct {
	cfg     Config
	conn    *amqp.Connection
	consume *amqp.Channel
	publish *amqp.Channel
	logger  zerolog.Logger
}

// Dial connects and declares both queues.
func Dial(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	c := &Client{cfg: cfg, conn: conn, logger: logger.With().Str("component", "amqp").Logger()}

	if c.consume, err = conn.Channel(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if c.publish, err = conn.Channel(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	for _, q := range []string{cfg.InputQueue, cfg.OutputQueue} {
		if _, err := c.consume.QueueDeclare(q, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	if err := c.consume.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return c, nil
}

// Publish sends a persistent JSON message to the output queue.
func (c *Client) Publish(ctx context.Context, messageID string, body []byte) error {
	return c.publish.PublishWithContext(ctx, "", c.cfg.OutputQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Consume runs Prefetch workers over the input queue until ctx is cancelled
// or the broker closes the connection. In-flight deliveries finish first.
func (c *Client) Consume(ctx context.Context, w *Worker) error {
	deliveries, err := c.consume.ConsumeWithContext(ctx, c.cfg.InputQueue, "deid-worker", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.InputQueue, err)
	}
	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info().
		Str("input_queue", c.cfg.InputQueue).
		Str("output_queue", c.cfg.OutputQueue).
		Int("workers", c.cfg.Prefetch).
		Msg("consuming")

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				w.HandleDelivery(context.WithoutCancel(ctx), d)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			runErr = fmt.Errorf("amqp connection closed: %w", amqpErr)
		} else {
			runErr = errors.New("amqp connection closed")
		}
	}
	if err := c.consume.Cancel("deid-worker", false); err != nil && runErr == nil {
		c.logger.Warn().Err(err).Msg("cancel consumer")
	}
	wg.Wait()
	return runErr
}

// Close closes both channels and the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
