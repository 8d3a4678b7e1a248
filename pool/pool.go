// Package pool is a keyed, lifecycle-aware resource pool. It shares
// expensive-to-create resources, typically network channels to remote
// build workers, across many concurrent callers, bounded by an idle
// capacity with idle-timeout eviction.
package pool

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Use once the pool has been shut down.
var ErrClosed = errors.New("pool is closed")

// Target identifies a pooled destination.
type Target struct {
	Host string
	Port int
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Resource is the lifecycle contract for a pooled object. A resource
// is started exactly once before its first lease and stopped exactly
// once after its last, never concurrently with either.
type Resource interface {
	// Start brings the resource up. The context carries the pool's
	// connect timeout.
	Start(ctx context.Context) error
	// Stop tears the resource down.
	Stop(ctx context.Context) error
}

// Factory creates the resource for a target. It must not block; any
// connection establishment belongs in Start.
type Factory func(t Target) (Resource, error)

// Pool is an interface for keyed resource pooling.
type Pool interface {
	// Use runs fn against the resource for t, creating it if absent.
	// The resource stays open for the full duration of fn. The error
	// from fn is returned verbatim.
	Use(ctx context.Context, t Target, fn func(ctx context.Context, l *Lease) error) error
	// Stats returns a snapshot of the pool state.
	Stats() Stats
	// Close the pool
	Close() error
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Entries map[Target]EntryStats
}

// EntryStats describes one pooled entry.
type EntryStats struct {
	// State is one of constructing, ready, draining, closed.
	State string
	// Leases is the number of in-flight operations on the resource.
	Leases int
	// ID is the identity of the resource instance, empty while
	// constructing.
	ID string
}

// NewPool will return a new pool object. The factory is required.
func NewPool(f Factory, opts ...Option) Pool {
	if f == nil {
		panic(errors.New("pool: nil factory"))
	}

	var options Options
	for _, o := range opts {
		o(&options)
	}

	return newPool(f, options)
}
