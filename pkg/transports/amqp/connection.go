package amqp

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the kind of every exchange the transport declares.
const ExchangeKind = "topic"

// Channel is the subset of *amqp.Channel the transport uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection owns a broker connection and reopens its channel after a
// channel level failure.
type Connection struct {
	conn *amqp.Connection

	mu sync.Mutex
	ch Channel

	open func() (Channel, error)
}

// SanitizeURL trims quoting and whitespace and checks the scheme.
func SanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("invalid AMQP URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %q", u.Scheme)
	}
	return clean, nil
}

// Dial connects to the broker at rawURL with a bounded dial timeout.
func Dial(rawURL string, timeout time.Duration) (*Connection, error) {
	clean, err := SanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	c := &Connection{conn: conn}
	c.open = func() (Channel, error) { return conn.Channel() }
	if _, err := c.Channel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewConnectionWithChannel wraps an already open channel. open is used to
// replace it after a failure and may be nil.
func NewConnectionWithChannel(ch Channel, open func() (Channel, error)) *Connection {
	return &Connection{ch: ch, open: open}
}

// Channel returns the current channel, opening one when needed.
func (c *Connection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		return c.ch, nil
	}
	return c.reopenLocked()
}

// Reopen discards the current channel and opens a new one.
func (c *Connection) Reopen() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	return c.reopenLocked()
}

func (c *Connection) reopenLocked() (Channel, error) {
	if c.open == nil {
		return nil, fmt.Errorf("channel closed and cannot be reopened")
	}
	ch, err := c.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	c.ch = ch
	return ch, nil
}

// NotifyClose reports broker initiated connection closes.
func (c *Connection) NotifyClose() <-chan *amqp.Error {
	if c.conn == nil {
		return nil
	}
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes the channel and the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
