package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReconnectWait  = 2 * time.Second
	defaultSubjectPrefix  = "gltracker.uplink"
	defaultClientName     = "gltracker"

	// AllSubject is the suffix every uplink message is also published on.
	AllSubject = "all"
)

// Logger is the logging surface the client reports connection events to.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Client wraps a NATS connection with subject helpers.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	conn   *natsgo.Conn
	prefix string

	mu     sync.RWMutex
	logger Logger
}

// Connect dials the configured server. The connection reconnects forever
// once established.
func Connect(cfg config.NATSConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	c := newClient(cfg)
	name := cfg.Name
	if name == "" {
		name = defaultClientName
	}

	conn, err := natsgo.Connect(cfg.URL,
		natsgo.Name(name),
		natsgo.Timeout(defaultConnectTimeout),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(defaultReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				c.log().Warn("nats disconnected", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			c.log().Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.conn = conn
	return c, nil
}

func newClient(cfg config.NATSConfig) *Client {
	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &Client{prefix: prefix, logger: noopLogger{}}
}

// SetLogger sets the logger for connection events.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// Subject returns the uplink subject for a protocol, e.g. "gltracker.uplink.gt06".
func (c *Client) Subject(protocol string) string {
	return c.prefix + "." + protocol
}

// AllSubjects returns the wildcard matching every uplink subject.
func (c *Client) AllSubjects() string {
	return c.prefix + ".>"
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshalling payload: %w", ErrPublishFailed, err)
	}
	return c.Publish(subject, data)
}

// Publish sends raw data on subject.
func (c *Client) Publish(subject string, data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, subject, err)
	}
	return nil
}

// PublishUplink publishes v on the protocol subject and on the all subject.
// Both publishes are attempted; the first error is returned.
func (c *Client) PublishUplink(protocol string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshalling payload: %w", ErrPublishFailed, err)
	}
	err = c.Publish(c.Subject(protocol), data)
	if allErr := c.Publish(c.Subject(AllSubject), data); err == nil {
		err = allErr
	}
	return err
}

// Subscribe registers handler for subject. The returned function
// unsubscribes.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) (func() error, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, func(m *natsgo.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush() error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.conn.FlushTimeout(defaultConnectTimeout)
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Drain()
}
