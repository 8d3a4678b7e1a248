// Package client pools gRPC channels to remote build workers and
// hands out typed service clients built on top of them.
package client

import (
	"context"

	"google.golang.org/grpc"

	"github.com/adriandiglio/gridpool/pool"
)

// Client shares one gRPC channel per worker across all concurrent
// callers, creating channels on demand and closing them once idle.
type Client struct {
	opts Options
	pool pool.Pool
}

// New returns a client backed by a fresh resource pool.
func New(opts ...Option) *Client {
	var options Options
	for _, o := range opts {
		o(&options)
	}

	return &Client{
		opts: options,
		pool: pool.NewPool(newChannelFactory(options), options.Pool...),
	}
}

// Conn is a leased channel. It is valid only inside the operation
// passed to Use.
type Conn struct {
	lease *pool.Lease
}

// ClientConn returns the underlying gRPC connection.
func (c *Conn) ClientConn() grpc.ClientConnInterface {
	return c.lease.Resource().(*channel).conn
}

// ID identifies the channel instance. The ID changes when the channel
// is evicted and later re-dialed.
func (c *Conn) ID() string {
	return c.lease.ID()
}

// Use runs fn against the pooled channel for t, dialing it if absent.
// The channel stays open for the full duration of fn.
func (c *Client) Use(ctx context.Context, t pool.Target, fn func(ctx context.Context, conn *Conn) error) error {
	return c.pool.Use(ctx, t, func(ctx context.Context, l *pool.Lease) error {
		return fn(ctx, &Conn{lease: l})
	})
}

// Stats returns a snapshot of the underlying pool.
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// Close drains and closes every pooled channel.
func (c *Client) Close() error {
	return c.pool.Close()
}
