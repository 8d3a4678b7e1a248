package client

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/adriandiglio/gridpool/pool"
)

// channel is the pooled resource: one gRPC client connection to a
// build worker.
type channel struct {
	target   pool.Target
	dialOpts []grpc.DialOption
	conn     *grpc.ClientConn
}

func newChannelFactory(opts Options) pool.Factory {
	dialOpts := opts.dialOptions()
	return func(t pool.Target) (pool.Resource, error) {
		return &channel{target: t, dialOpts: dialOpts}, nil
	}
}

// Start dials the worker. The dial blocks until the connection is up
// so the pool's connect timeout bounds the whole establishment.
func (c *channel) Start(ctx context.Context) error {
	opts := append([]grpc.DialOption{grpc.WithBlock()}, c.dialOpts...)

	conn, err := grpc.DialContext(ctx, c.target.String(), opts...)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.target)
	}
	c.conn = conn

	return nil
}

func (c *channel) Stop(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
