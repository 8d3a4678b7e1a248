package client

import (
	"context"

	"google.golang.org/grpc"

	"github.com/adriandiglio/gridpool/pool"
)

// Accessor hands out typed service clients built over pooled
// channels. The derived client is cached per channel instance, keyed
// by the accessor itself, so several accessor types can share one
// channel while each keeps its own client. The cache is dropped with
// the channel: a derived client never outlives its connection.
type Accessor[T any] struct {
	client *Client
	build  func(grpc.ClientConnInterface) T
	local  *localEndpoint[T]
}

type localEndpoint[T any] struct {
	target pool.Target
	impl   T
}

type AccessorOption[T any] func(*Accessor[T])

// Local installs an in-process implementation for target. A build
// orchestrator is itself addressable by target, and self-addressed
// calls skip the pool and the network entirely.
func Local[T any](target pool.Target, impl T) AccessorOption[T] {
	return func(a *Accessor[T]) {
		a.local = &localEndpoint[T]{target: target, impl: impl}
	}
}

// NewAccessor returns an accessor producing clients with build,
// typically a generated constructor like pb.NewWorkerClient.
func NewAccessor[T any](c *Client, build func(grpc.ClientConnInterface) T, opts ...AccessorOption[T]) *Accessor[T] {
	a := &Accessor[T]{
		client: c,
		build:  build,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Use runs fn against the typed client for target. Self-addressed
// calls are served by the local implementation without touching the
// pool; everything else resolves the pooled channel and reuses the
// client cached on it.
func (a *Accessor[T]) Use(ctx context.Context, target pool.Target, fn func(ctx context.Context, t T) error) error {
	if a.local != nil && a.local.target == target {
		return fn(ctx, a.local.impl)
	}

	return a.client.Use(ctx, target, func(ctx context.Context, conn *Conn) error {
		v, err := conn.lease.Cached(a, func() (interface{}, error) {
			return a.build(conn.ClientConn()), nil
		})
		if err != nil {
			return err
		}
		return fn(ctx, v.(T))
	})
}
