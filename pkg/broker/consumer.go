package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/processor"
	"github.com/couriermq/courier/pkg/types"
)

// requeueDelay slows redelivery while a partner's breaker is open so the
// queue does not spin.
const requeueDelay = time.Second

// Consumer is one partner's running queue consumer.
type Consumer interface {
	// Start declares the queue and begins consuming.
	Start(ctx context.Context) error
	// Stop cancels consumption and waits for the loop to exit.
	Stop(ctx context.Context) error
	// Queue returns the consumed queue name.
	Queue() string
}

// ConsumerFactory builds a consumer for one partner. The route manager holds
// one of these; tests inject fakes.
type ConsumerFactory func(cfg types.PartnerConfig) (Consumer, error)

// NewConsumerFactory returns the production factory wiring consumers to conn
// and the pipeline's dispatch path.
func NewConsumerFactory(conn *Connection, dispatch DispatchFunc) ConsumerFactory {
	return func(cfg types.PartnerConfig) (Consumer, error) {
		return newPartnerConsumer(conn, cfg, dispatch), nil
	}
}

// partnerConsumer consumes one partner's queue and feeds the pipeline.
// Deliveries ack only on a terminal processing outcome; refusals by an open
// breaker or a draining pool requeue the message.
type partnerConsumer struct {
	conn     *Connection
	cfg      types.PartnerConfig
	dispatch DispatchFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	ch      *amqp.Channel
	cancel  context.CancelFunc
	started bool

	wg sync.WaitGroup
}

func newPartnerConsumer(conn *Connection, cfg types.PartnerConfig, dispatch DispatchFunc) *partnerConsumer {
	return &partnerConsumer{
		conn:     conn,
		cfg:      cfg,
		dispatch: dispatch,
		logger: log.WithRouteID(
			log.WithPartnerID(log.WithComponent("broker"), cfg.PartnerID),
			types.RouteID(cfg.PartnerID)),
	}
}

func (c *partnerConsumer) Queue() string {
	return c.cfg.QueueName()
}

func (c *partnerConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	if err := declarePartnerQueue(ch, c.Queue()); err != nil {
		ch.Close()
		return err
	}

	// Prefetch past pool capacity so queue saturation is reachable and the
	// caller-runs fallback can engage.
	if err := ch.Qos(c.cfg.MaxWorkers+c.cfg.QueueCapacity, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos for %s: %w", c.Queue(), err)
	}

	deliveries, err := ch.Consume(c.Queue(), types.RouteID(c.cfg.PartnerID), false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", c.Queue(), err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.ch = ch
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go c.loop(loopCtx, deliveries)

	c.logger.Info().Str("queue", c.Queue()).Msg("consumer started")
	return nil
}

func (c *partnerConsumer) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for d := range deliveries {
		c.handle(ctx, d)
	}
}

func (c *partnerConsumer) handle(ctx context.Context, d amqp.Delivery) {
	msg := messageFromDelivery(c.cfg.PartnerID, d)

	fut, err := c.dispatch(ctx, c.cfg, msg)
	if err != nil {
		// Pool draining: leave the message for the next consumer.
		c.nack(d, true)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := fut.Wait(ctx)
		switch {
		case errors.Is(err, types.ErrBreakerOpen):
			// Not processed, no outcome recorded. Delay so redelivery does
			// not spin while the breaker is open.
			select {
			case <-time.After(requeueDelay):
			case <-ctx.Done():
			}
			c.nack(d, true)
		case errors.Is(err, types.ErrShuttingDown), errors.Is(err, context.Canceled):
			c.nack(d, true)
		default:
			// Terminal outcome, recorded by the processor either way.
			if ackErr := d.Ack(false); ackErr != nil {
				c.logger.Error().Err(ackErr).Str("message_id", msg.ID).Msg("ack failed")
			}
		}
	}()
}

func (c *partnerConsumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error().Err(err).Msg("nack failed")
	}
}

func (c *partnerConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	ch := c.ch
	cancel := c.cancel
	c.mu.Unlock()

	// Cancelling the consumer closes the delivery channel and ends the loop.
	if err := ch.Cancel(types.RouteID(c.cfg.PartnerID), false); err != nil {
		c.logger.Warn().Err(err).Msg("consumer cancel failed")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("stop consumer %s: %w", c.Queue(), ctx.Err())
	}

	cancel()
	if err := ch.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("channel close failed")
	}
	c.logger.Info().Str("queue", c.Queue()).Msg("consumer stopped")
	return nil
}

// messageFromDelivery converts an AMQP delivery into a pipeline message. The
// queue's partner id is authoritative; a CBUSINESSUNIT header on a partner
// queue is passed through untouched.
func messageFromDelivery(partnerID string, d amqp.Delivery) processor.Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return processor.Message{
		ID:          d.MessageId,
		PartnerID:   partnerID,
		Body:        d.Body,
		ContentType: d.ContentType,
		Headers:     headers,
		Received:    time.Now(),
	}
}
