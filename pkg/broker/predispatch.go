package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/processor"
	"github.com/couriermq/courier/pkg/types"
)

// Predispatcher consumes the shared ingress queue and re-publishes each
// message onto its partner's dedicated queue, keyed by the CBUSINESSUNIT
// header. It is the compatibility on-ramp for producers that publish to the
// shared exchange instead of a partner queue.
type Predispatcher struct {
	conn   *Connection
	logger zerolog.Logger

	mu      sync.Mutex
	ch      *amqp.Channel
	started bool
	wg      sync.WaitGroup
}

// NewPredispatcher creates the on-ramp over conn.
func NewPredispatcher(conn *Connection) *Predispatcher {
	return &Predispatcher{
		conn:   conn,
		logger: log.WithComponent("predispatch"),
	}
}

// Start declares the ingress topology and begins dispatching.
func (p *Predispatcher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	if _, err := ch.QueueDeclare(PredispatchQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", PredispatchQueue, err)
	}
	if err := ch.QueueBind(PredispatchQueue, RoutingKey, Exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue %s: %w", PredispatchQueue, err)
	}

	deliveries, err := ch.Consume(PredispatchQueue, "predispatch", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", PredispatchQueue, err)
	}

	p.ch = ch
	p.started = true
	p.wg.Add(1)
	go p.loop(deliveries)

	p.logger.Info().Str("queue", PredispatchQueue).Msg("predispatcher started")
	return nil
}

func (p *Predispatcher) loop(deliveries <-chan amqp.Delivery) {
	defer p.wg.Done()
	for d := range deliveries {
		p.handle(d)
	}
}

func (p *Predispatcher) handle(d amqp.Delivery) {
	partnerID := headerString(d.Headers, processor.PartnerHeader)
	if partnerID == "" {
		// Unroutable without a partner id. Drop rather than poison-loop.
		p.logger.Error().Str("message_id", d.MessageId).Msg("message missing partner header, dropped")
		d.Ack(false)
		return
	}

	queue := types.PartnerConfig{PartnerID: partnerID}.QueueName()
	if err := declarePartnerQueue(p.ch, queue); err != nil {
		p.logger.Error().Err(err).Str("queue", queue).Msg("partner queue declare failed")
		d.Nack(false, true)
		return
	}

	err := p.ch.PublishWithContext(context.Background(), "", queue, false, false, amqp.Publishing{
		MessageId:    d.MessageId,
		ContentType:  d.ContentType,
		Headers:      d.Headers,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("queue", queue).Msg("re-publish failed")
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

// Stop cancels consumption and waits for in-flight dispatches.
func (p *Predispatcher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	ch := p.ch
	p.mu.Unlock()

	if err := ch.Cancel("predispatch", false); err != nil {
		p.logger.Warn().Err(err).Msg("predispatch cancel failed")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop predispatcher: %w", ctx.Err())
	}
	return ch.Close()
}

func headerString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}
	s, _ := headers[key].(string)
	return s
}
