// Copyright 2024 Mmate Contributors
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

package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/broker/memory"
	"github.com/glimte/mmate-connector/config"
	"github.com/glimte/mmate-connector/connector"
	"github.com/glimte/mmate-connector/document"
	"github.com/glimte/mmate-connector/health"
	"github.com/glimte/mmate-connector/internal/rabbitmq"
	"github.com/glimte/mmate-connector/internal/reliability"
	"github.com/glimte/mmate-connector/invoker"
)

// Client provides the main entry point for mmate-connector
type Client struct {
	connector *connector.Connector
	health    *health.Registry
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewClient creates a client for cfg with the default logger
func NewClient(cfg *config.Config) (*Client, error) {
	return NewClientWithOptions(cfg, WithDefaultLogger())
}

// LoadClient reads the configuration file at path and creates a client.
func LoadClient(path string, options ...ClientOption) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewClientWithOptions(cfg, options...)
}

// NewClientWithOptions creates a client with options. amqp, amqps and
// memory URLs are supported out of the box.
func NewClientWithOptions(cfg *config.Config, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{
		logger:  slog.Default(),
		dialers: make(map[string]broker.Dialer),
	}
	for _, opt := range options {
		opt(cc)
	}

	amqpDialer := rabbitmq.NewDialer(rabbitmq.WithLogger(cc.logger))
	opts := []connector.Option{
		connector.WithLogger(cc.logger),
		connector.WithDialer("amqp", amqpDialer),
		connector.WithDialer("amqps", amqpDialer),
		connector.WithDialer("memory", memory.SharedDialer),
	}
	for scheme, d := range cc.dialers {
		opts = append(opts, connector.WithDialer(scheme, d))
	}
	if cc.registererSet {
		opts = append(opts, connector.WithRegisterer(cc.registerer))
	}
	inv := cc.invoker
	if inv == nil && cc.serviceURL != "" {
		inv = invoker.NewHTTP(cc.serviceURL,
			invoker.WithLogger(cc.logger),
			invoker.WithRetry(reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 2)),
		)
	}
	if inv != nil {
		opts = append(opts, connector.WithInvoker(inv))
	}
	for protocol, codec := range cc.codecs {
		opts = append(opts, connector.WithCodec(protocol, codec))
	}
	if len(cc.hooks) > 0 {
		opts = append(opts, connector.WithSendHooks(cc.hooks...))
	}

	c, err := connector.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}

	registry := health.NewRegistry()
	health.RegisterManagers(registry, c, true, cc.logger)
	registry.Register(health.NewMemoryChecker(5000, 20000))

	return &Client{
		connector: c,
		health:    registry,
		logger:    cc.logger,
	}, nil
}

// Start opens every manager and runs the connection supervisor until Close.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.connector.Open(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.connector.Supervisor().Run(runCtx); err != nil {
			c.logger.Error("connection supervisor failed", "error", err)
		}
	}()
	return nil
}

// Connector returns the underlying connector
func (c *Client) Connector() *connector.Connector {
	return c.connector
}

// Health returns the health registry with one checker per manager
func (c *Client) Health() *health.Registry {
	return c.health
}

// HealthHandler returns an HTTP handler for the health registry
func (c *Client) HealthHandler(timeout time.Duration) *health.Handler {
	return health.NewHandler(c.health, timeout)
}

// Process runs one send, get or request operation in its own transaction.
func (c *Client) Process(ctx context.Context, request, implementation *document.Node) *document.Node {
	return c.connector.Process(ctx, request, implementation)
}

// NewTransaction starts a transaction for custom operation sequences
func (c *Client) NewTransaction() *connector.Transaction {
	return c.connector.NewTransaction()
}

// Close stops the supervisor and closes all managers
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.started = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.connector.Close()
	return nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	dialers       map[string]broker.Dialer
	invoker       connector.Invoker
	serviceURL    string
	codecs        map[string]connector.Codec
	hooks         []connector.SendHook
	registerer    prometheus.Registerer
	registererSet bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithDialer registers a driver for a URL scheme, replacing the built-in
// one.
func WithDialer(scheme string, d broker.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialers[scheme] = d
	}
}

// WithInvoker sets the service invoker used by listeners
func WithInvoker(inv connector.Invoker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.invoker = inv
	}
}

// WithServiceURL invokes listener requests over HTTP at url. Transient
// failures are retried twice with backoff.
func WithServiceURL(url string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceURL = url
	}
}

// WithCodec registers a payload codec for a protocol name
func WithCodec(protocol string, codec connector.Codec) ClientOption {
	return func(cfg *clientConfig) {
		if cfg.codecs == nil {
			cfg.codecs = make(map[string]connector.Codec)
		}
		cfg.codecs[protocol] = codec
	}
}

// WithSendHooks sets the hooks run before every send
func WithSendHooks(hooks ...connector.SendHook) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hooks = append(cfg.hooks, hooks...)
	}
}

// WithRegisterer sets the Prometheus registerer. nil disables metrics.
func WithRegisterer(r prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = r
		cfg.registererSet = true
	}
}
