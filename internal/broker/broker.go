// Package broker adapts RabbitMQ into the engine's delivery model:
// declarative topology, publisher confirms, and an at-least-once
// consumer contract with delayed retries and dead-letter quarantine.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/observability"
)

const retryCountHeader = "x-retry-count"

// Handler processes one decoded delivery body. A nil return acks; a
// retryable error re-delivers through the delay queue; anything else
// quarantines to the DLX.
type Handler func(ctx context.Context, body []byte) error

// ConsumerOpts tunes a single consumer registration.
type ConsumerOpts struct {
	// MaxRetries bounds delayed re-deliveries before quarantine.
	MaxRetries int

	// BaseDelay is doubled per attempt: delay = BaseDelay << retryCount.
	BaseDelay time.Duration

	// Timeout bounds one handler invocation.
	Timeout time.Duration

	// Prefetch bounds in-flight deliveries for this consumer.
	Prefetch int
}

// Broker owns the AMQP connection, the confirmed publisher channel,
// and all registered consumers.
type Broker struct {
	conn    *amqp.Connection
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	pubCh    *amqp.Channel
	confirms chan amqp.Confirmation

	wg     sync.WaitGroup
	closed chan struct{}
}

// Connect dials the broker, declares the full topology, and opens a
// publisher channel in confirm mode.
func Connect(cfg config.BrokerConfig, logger *observability.Logger, metrics *observability.Metrics) (*Broker, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, apperr.Unavailable(err, "dial amqp")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, apperr.Unavailable(err, "open amqp channel")
	}
	if err := declareTopology(ch, cfg.DLXRetentionDays); err != nil {
		conn.Close()
		return nil, apperr.Unavailable(err, "declare topology")
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, apperr.Unavailable(err, "enable publisher confirms")
	}

	return &Broker{
		conn:     conn,
		logger:   logger,
		metrics:  metrics,
		pubCh:    ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		closed:   make(chan struct{}),
	}, nil
}

// Publish sends a JSON envelope to the exchange and waits for the
// broker's confirm.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, envelope any) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return apperr.BadRequest("encode envelope: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.pubCh.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}); err != nil {
		return apperr.Unavailable(err, "publish to %s", exchange)
	}

	select {
	case confirm := <-b.confirms:
		if !confirm.Ack {
			return apperr.Retryable(nil, "publish to %s nacked", exchange)
		}
		return nil
	case <-ctx.Done():
		return apperr.Timeout("publish confirm for %s: %v", exchange, ctx.Err())
	case <-b.closed:
		return apperr.Unavailable(nil, "broker closed")
	}
}

// Consume registers a handler on a queue with the retry-count header
// protocol. It opens a dedicated channel, declares the queue's delay
// queue, and serves deliveries until Close.
func (b *Broker) Consume(ctx context.Context, queue string, handler Handler, opts ConsumerOpts) error {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return apperr.Unavailable(err, "open consumer channel for %s", queue)
	}
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		return apperr.Unavailable(err, "set qos for %s", queue)
	}
	retryQueue, err := declareRetryQueue(ch, queue)
	if err != nil {
		return apperr.Unavailable(err, "declare retry queue for %s", queue)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return apperr.Unavailable(err, "consume %s", queue)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ch.Close()
		b.serve(ctx, ch, queue, retryQueue, deliveries, handler, opts)
	}()
	return nil
}

// serve dispatches deliveries to the handler, one goroutine per
// delivery, bounded by a semaphore sized to the channel's prefetch.
// It drains in-flight handlers before returning so the channel stays
// open until the last ack.
func (b *Broker) serve(ctx context.Context, ch *amqp.Channel, queue, retryQueue string, deliveries <-chan amqp.Delivery, handler Handler, opts ConsumerOpts) {
	sem := make(chan struct{}, opts.Prefetch)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			}
			inflight.Add(1)
			go func(d amqp.Delivery) {
				defer inflight.Done()
				defer func() { <-sem }()
				b.handle(ctx, ch, queue, retryQueue, d, handler, opts)
			}(delivery)
		}
	}
}

func (b *Broker) handle(ctx context.Context, ch *amqp.Channel, queue, retryQueue string, delivery amqp.Delivery, handler Handler, opts ConsumerOpts) {
	retries := retryCount(delivery.Headers)

	hctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	err := handler(hctx, delivery.Body)
	cancel()

	switch {
	case err == nil:
		b.metrics.BrokerDeliveries.WithLabelValues(queue, "ack").Inc()
		if ackErr := delivery.Ack(false); ackErr != nil {
			b.logger.Warn(ctx, "broker ack failed", "queue", queue, "error", ackErr)
		}

	case apperr.IsRetryable(err) && retries < opts.MaxRetries:
		b.metrics.BrokerDeliveries.WithLabelValues(queue, "retry").Inc()
		b.logger.Warn(ctx, "broker handler failed, retrying",
			"queue", queue, "retry", retries+1, "max_retries", opts.MaxRetries, "error", err)
		if pubErr := b.republishDelayed(ctx, ch, retryQueue, delivery, retries+1, opts.BaseDelay); pubErr != nil {
			b.logger.Error(ctx, "broker delayed republish failed", "queue", queue, "error", pubErr)
			// Requeue in place; broker-side redelivery keeps the
			// at-least-once promise when the delay path is down.
			_ = delivery.Nack(false, true)
			return
		}
		_ = delivery.Ack(false)

	default:
		b.metrics.BrokerDeliveries.WithLabelValues(queue, "dlx").Inc()
		b.logger.Error(ctx, "broker handler failed, quarantining",
			"queue", queue, "retries", retries, "error", err)
		// Rejecting without requeue routes through the queue's DLX.
		_ = delivery.Nack(false, false)
	}
}

// republishDelayed publishes a copy to the queue's delay queue with an
// incremented retry count and a per-message TTL of base << count, so
// expiry dead-letters it back to the primary queue.
func (b *Broker) republishDelayed(ctx context.Context, ch *amqp.Channel, retryQueue string, delivery amqp.Delivery, count int, base time.Duration) error {
	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(count)

	delay := base << (count - 1)
	return ch.PublishWithContext(ctx, "", retryQueue, false, false, amqp.Publishing{
		ContentType:  delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Expiration:   fmt.Sprintf("%d", delay.Milliseconds()),
		Body:         delivery.Body,
	})
}

func retryCount(headers amqp.Table) int {
	switch v := headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Close stops all consumers and tears down the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return b.conn.Close()
}
