// Copyright 2024 Rabbitlink Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rabbitlink drives a RabbitMQ connection through a single actor
// that declares exchanges, publishes messages and consumes queues.
package rabbitlink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/rabbitlink/command"
	"github.com/glimte/rabbitlink/internal/actor"
	"github.com/glimte/rabbitlink/internal/metrics"
	"github.com/glimte/rabbitlink/internal/rabbitmq"
	"github.com/glimte/rabbitlink/internal/reliability"
)

type (
	Config          = actor.Config
	Message         = actor.Message
	DeliveryHandler = actor.DeliveryHandler
	Status          = actor.Status
	RetryPolicy     = reliability.RetryPolicy
)

var (
	ErrNoURL       = errors.New("rabbitlink: broker URL is required")
	ErrUnavailable = actor.ErrUnavailable
	ErrStopped     = actor.ErrStopped
)

// DefaultConfig is the demo topology: a durable topic exchange, a heartbeat
// every second and a queue consuming it.
func DefaultConfig() Config {
	return actor.DefaultConfig()
}

// Client provides the main entry point for rabbitlink
type Client struct {
	supervisor *actor.Supervisor
	logger     *slog.Logger
}

// NewClient creates a client for the broker at url. Nothing connects until Run.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:      slog.Default(),
		actorConfig: actor.DefaultConfig(),
		connName:    "rabbitlink",
		dialTimeout: 30 * time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}

	dial := cfg.dialer
	if dial == nil {
		if url == "" {
			return nil, ErrNoURL
		}
		dial = rabbitmqDialer(url, cfg)
	}

	actorOpts := []actor.Option{
		actor.WithLogger(cfg.logger),
		actor.WithMetrics(cfg.metrics),
	}
	if cfg.handler != nil {
		actorOpts = append(actorOpts, actor.WithDeliveryHandler(cfg.handler))
	}
	if cfg.tracerProvider != nil {
		actorOpts = append(actorOpts, actor.WithTracerProvider(cfg.tracerProvider))
	}
	actorOpts = append(actorOpts, cfg.actorOptions...)

	supOpts := []actor.SupervisorOption{
		actor.WithSupervisorLogger(cfg.logger),
		actor.WithSupervisorMetrics(cfg.metrics),
		actor.WithActorOptions(actorOpts...),
	}
	if cfg.retry != nil {
		supOpts = append(supOpts, actor.WithRetryPolicy(cfg.retry))
	}

	return &Client{
		supervisor: actor.NewSupervisor(dial, cfg.actorConfig, supOpts...),
		logger:     cfg.logger,
	}, nil
}

func rabbitmqDialer(url string, cfg *clientConfig) actor.Dialer {
	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithConnectionName(cfg.connName),
		rabbitmq.WithDialTimeout(cfg.dialTimeout),
	}
	if cfg.tracerProvider != nil {
		connOpts = append(connOpts, rabbitmq.WithTracerProvider(cfg.tracerProvider))
	}

	return func(ctx context.Context) (actor.Broker, error) {
		return rabbitmq.Dial(ctx, url, connOpts...)
	}
}

// Run connects and keeps the connection actor alive until ctx is cancelled.
// It fails only when the first connection cannot be made or reconnecting
// gives up.
func (c *Client) Run(ctx context.Context) error {
	return c.supervisor.Run(ctx)
}

// Ready is closed once the first connection is up and its topology scheduled
func (c *Client) Ready() <-chan struct{} {
	return c.supervisor.Ready()
}

// Status reports on the current connection actor
func (c *Client) Status() Status {
	return c.supervisor.Status()
}

// DeclareExchange declares an exchange and waits for the broker to accept it
func (c *Client) DeclareExchange(ctx context.Context, name string, kind command.ExchangeKind, opts command.ExchangeOptions) error {
	return c.supervisor.Ask(ctx, command.DeclareExchange{Name: name, Kind: kind, Options: opts})
}

// Publish sends payload and waits for the broker confirm
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	return c.supervisor.Ask(ctx, command.PublishMessage{Exchange: exchange, RoutingKey: routingKey, Payload: payload})
}

// Subscribe binds queue to exchange with bindingKey and starts consuming.
// Deliveries go to the client's delivery handler.
func (c *Client) Subscribe(ctx context.Context, queue, exchange, bindingKey string) error {
	return c.supervisor.Ask(ctx, command.StartConsuming{Queue: queue, Exchange: exchange, BindingKey: bindingKey})
}

// Unsubscribe cancels the consumer on queue
func (c *Client) Unsubscribe(ctx context.Context, queue string) error {
	return c.supervisor.Ask(ctx, command.StopConsuming{Queue: queue})
}

// Send enqueues any command without waiting for its outcome
func (c *Client) Send(ctx context.Context, cmd command.Command) error {
	return c.supervisor.Tell(ctx, cmd)
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	handler        DeliveryHandler
	actorConfig    Config
	actorOptions   []actor.Option
	retry          RetryPolicy
	connName       string
	dialTimeout    time.Duration
	tracerProvider trace.TracerProvider
	dialer         actor.Dialer
}

// WithLogger sets the logger for the client
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithMetrics records activity into m
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *clientConfig) {
		c.metrics = m
	}
}

// WithDeliveryHandler sets the function receiving consumed messages.
// By default payloads are logged.
func WithDeliveryHandler(handler DeliveryHandler) ClientOption {
	return func(c *clientConfig) {
		c.handler = handler
	}
}

// WithConfig replaces DefaultConfig
func WithConfig(cfg Config) ClientOption {
	return func(c *clientConfig) {
		c.actorConfig = cfg
	}
}

// WithRetryPolicy sets the backoff between reconnect attempts
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *clientConfig) {
		c.retry = policy
	}
}

// WithConnectionName sets the name shown in the broker management UI
func WithConnectionName(name string) ClientOption {
	return func(c *clientConfig) {
		c.connName = name
	}
}

func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.dialTimeout = timeout
	}
}

func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *clientConfig) {
		c.tracerProvider = tp
	}
}

func withDialer(dial actor.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = dial
	}
}
