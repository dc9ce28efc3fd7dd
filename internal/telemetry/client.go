package telemetry

import (
	"context"
	"errors"

	"gitlab.com/gitlab-org/opcorrelator/internal/metrics"
)

// ErrNilSink is returned when a client is built without a sink.
var ErrNilSink = errors.New("telemetry: sink is required")

// Sink receives finished telemetry items. Serialization and delivery are the
// sink's business.
type Sink interface {
	Emit(item Item)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(item Item)

// Emit calls f(item).
func (f SinkFunc) Emit(item Item) {
	f(item)
}

// Initializer fills in fields of an item before it is emitted.
type Initializer interface {
	Initialize(ctx context.Context, item Item)
}

// InitializerFunc adapts a function to the Initializer interface.
type InitializerFunc func(ctx context.Context, item Item)

// Initialize calls f(ctx, item).
func (f InitializerFunc) Initialize(ctx context.Context, item Item) {
	f(ctx, item)
}

// Client runs initializers over items and emits them.
type Client struct {
	sink         Sink
	initializers []Initializer
}

// NewClient returns a client emitting to sink.
func NewClient(sink Sink, initializers ...Initializer) (*Client, error) {
	if sink == nil {
		return nil, ErrNilSink
	}

	return &Client{sink: sink, initializers: initializers}, nil
}

// Track initializes item with ctx and emits it.
func (c *Client) Track(ctx context.Context, item Item) {
	if isNil(item) {
		return
	}

	c.Initialize(ctx, item)
	c.Emit(item)
}

// Initialize runs every initializer over item without emitting it.
func (c *Client) Initialize(ctx context.Context, item Item) {
	for _, i := range c.initializers {
		i.Initialize(ctx, item)
	}
}

// Emit sends item to the sink as is.
func (c *Client) Emit(item Item) {
	if isNil(item) {
		return
	}

	metrics.TelemetryItemsTotal.WithLabelValues(item.Kind()).Inc()
	c.sink.Emit(item)
}
