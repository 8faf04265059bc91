package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	primaryChannel  = "primary"
	consumerChannel = "consumer"
)

// Connection owns one AMQP connection and the two channels multiplexed
// over it.
//
// The primary channel runs in confirm mode and carries declarations,
// bindings and publishes. It is reopened on demand after the broker closes
// it with a channel-level exception. The consumer channel carries
// basic.consume, acknowledgements and basic.cancel; losing it ends every
// subscription, so it is never reopened.
type Connection struct {
	url         string
	name        string
	dialTimeout time.Duration
	heartbeat   time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer

	conn *amqp.Connection

	mu       sync.Mutex
	primary  *amqp.Channel
	consumer *amqp.Channel

	closeMu  sync.RWMutex
	closeErr error
	// closed once closeErr is set
	closed chan struct{}
}

// ConnectionOption configures a Connection
type ConnectionOption func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithConnectionName sets the client-provided connection name shown in the
// broker's management UI
func WithConnectionName(name string) ConnectionOption {
	return func(c *Connection) {
		c.name = name
	}
}

// WithDialTimeout bounds the initial handshake
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.heartbeat = interval
	}
}

// WithTracerProvider sets the provider used for publish spans
func WithTracerProvider(tp trace.TracerProvider) ConnectionOption {
	return func(c *Connection) {
		c.tracer = tp.Tracer(tracerName)
	}
}

func newConnection(url string, options ...ConnectionOption) *Connection {
	c := &Connection{
		url:         url,
		name:        "rabbitlink",
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		closed:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}
	return c
}

// Dial connects to the broker at url and opens both channels. It returns
// once the handshake and channel allocation have succeeded; there is no
// retry at this level.
func Dial(ctx context.Context, url string, options ...ConnectionOption) (*Connection, error) {
	c := newConnection(url, options...)

	if url == "" {
		return nil, fmt.Errorf("%w: empty broker address", ErrInvalidConfiguration)
	}

	connCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(c.url, amqp.Config{
			Heartbeat: c.heartbeat,
			Locale:    "en_US",
			Properties: amqp.Table{
				"connection_name": c.name,
			},
		})
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		c.conn = conn

	case err := <-errChan:
		return nil, c.connectionError("connect", err)

	case <-connCtx.Done():
		go func() {
			// The dial may still complete after we gave up on it.
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		if ctx.Err() != nil {
			return nil, c.connectionError("connect", ctx.Err())
		}
		return nil, c.connectionError("connect", ErrConnectionTimeout)
	}

	if err := c.openChannels(); err != nil {
		c.conn.Close()
		return nil, err
	}

	c.watch(c.conn.NotifyClose(make(chan *amqp.Error, 1)), "connection")
	c.watch(c.consumer.NotifyClose(make(chan *amqp.Error, 1)), consumerChannel)

	c.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(c.url),
		"connectionName", c.name)

	return c, nil
}

func (c *Connection) openChannels() error {
	primary, err := c.openPrimary()
	if err != nil {
		return err
	}

	consumer, err := c.conn.Channel()
	if err != nil {
		primary.Close()
		return &ChannelError{
			Op:      "open",
			Channel: consumerChannel,
			Err:     fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
		}
	}

	c.primary = primary
	c.consumer = consumer
	return nil
}

func (c *Connection) openPrimary() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:      "open",
			Channel: primaryChannel,
			Err:     fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
		}
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, &ChannelError{Op: "confirm", Channel: primaryChannel, Err: err}
	}

	return ch, nil
}

// primaryChannel returns the primary channel, reopening it if the broker
// closed it after a rejected operation.
func (c *Connection) primaryChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	if c.primary != nil && !c.primary.IsClosed() {
		return c.primary, nil
	}

	ch, err := c.openPrimary()
	if err != nil {
		return nil, err
	}
	c.primary = ch
	c.logger.Warn("reopened primary channel")

	return ch, nil
}

func (c *Connection) consumerChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	if c.consumer.IsClosed() {
		return nil, &ChannelError{Op: "use", Channel: consumerChannel, Err: c.CloseError()}
	}

	return c.consumer, nil
}

// watch records the first close reason reported on notify
func (c *Connection) watch(notify chan *amqp.Error, source string) {
	go func() {
		amqpErr, ok := <-notify
		if ok && amqpErr != nil {
			c.logger.Error("rabbitmq closed", "source", source, "error", amqpErr)
			c.setCloseError(amqpErr)
			return
		}
		c.setCloseError(fmt.Errorf("%w: %s closed", ErrConnectionClosed, source))
	}()
}

func (c *Connection) setCloseError(err error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeErr == nil {
		c.closeErr = err
		close(c.closed)
	}
}

// CloseError returns why the connection or the consumer channel went away,
// or nil while both are open
func (c *Connection) CloseError() error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	return c.closeErr
}

// CloseNotify is closed once CloseError has a reason to report. A delivery
// stream can end before that happens.
func (c *Connection) CloseNotify() <-chan struct{} {
	return c.closed
}

// IsClosed reports whether the underlying connection is closed
func (c *Connection) IsClosed() bool {
	return c.conn == nil || c.conn.IsClosed()
}

// Close closes both channels and the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}

	if c.consumer != nil && !c.consumer.IsClosed() {
		c.consumer.Close()
	}
	if c.primary != nil && !c.primary.IsClosed() {
		c.primary.Close()
	}

	c.logger.Info("closing RabbitMQ connection", "connectionName", c.name)
	return c.conn.Close()
}

func (c *Connection) connectionError(op string, err error) *ConnectionError {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(c.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}
