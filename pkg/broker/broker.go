package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/couriermq/courier/pkg/log"
)

// Broker topology shared with external publishers. Names are bit-exact
// contracts; provisioning and upstream producers depend on them.
const (
	// Exchange is the ingress exchange producers publish to.
	Exchange = "message.processing.exchange"
	// RoutingKey routes ingress messages to the shared pre-dispatch queue.
	RoutingKey = "message.process"
	// PredispatchQueue is the shared on-ramp queue; messages carry the
	// partner id in the CBUSINESSUNIT header.
	PredispatchQueue = "message.processing.queue"
)

// Connection wraps one AMQP connection and hands out channels.
type Connection struct {
	conn *amqp.Connection
}

// Dial connects to the broker at url.
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	logger := log.WithComponent("broker")
	logger.Info().Msg("broker connected")
	return &Connection{conn: conn}, nil
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open broker channel: %w", err)
	}
	return ch, nil
}

// Close tears down the connection and every channel on it.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// declarePartnerQueue declares a partner's durable queue. Declaration is
// idempotent so consumers and the pre-dispatcher can race on it.
func declarePartnerQueue(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}
