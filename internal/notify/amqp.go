package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue names consumed by the delivery worker. Durable so messages survive
// broker restarts.
const (
	QueueMagicLink     = "auth.magiclink"
	QueueSecurityAlert = "security.alert"
)

// AMQPNotifier publishes notification messages to RabbitMQ. A single
// connection and channel are held for the process lifetime; the channel is
// reopened lazily after errors.
type AMQPNotifier struct {
	url  string
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPNotifier dials the broker and declares the queues.
func NewAMQPNotifier(url string) (*AMQPNotifier, error) {
	n := &AMQPNotifier{url: url}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *AMQPNotifier) connect() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	for _, queue := range []string{QueueMagicLink, QueueSecurityAlert} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}
	n.conn = conn
	n.ch = ch
	return nil
}

// Close shuts down the AMQP channel and connection.
func (n *AMQPNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		_ = n.conn.Close()
	}
}

func (n *AMQPNotifier) publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil || n.conn.IsClosed() {
		if err := n.connect(); err != nil {
			log.Printf("amqp: reconnect failed: %v", err)
			return err
		}
	}

	err = n.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		log.Printf("amqp: publish to %s failed: %v", queue, err)
		return err
	}
	return nil
}

func (n *AMQPNotifier) SendMagicLink(ctx context.Context, msg MagicLinkMessage) error {
	return n.publish(ctx, QueueMagicLink, msg)
}

func (n *AMQPNotifier) SendSecurityAlert(ctx context.Context, msg SecurityAlertMessage) error {
	return n.publish(ctx, QueueSecurityAlert, msg)
}
