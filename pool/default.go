package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type pool struct {
	factory Factory
	opts    Options

	mu      sync.Mutex
	entries map[Target]*entry
	closed  bool

	// done stops the sweeper; wg tracks the sweeper and any in-flight
	// async resource stops
	done chan struct{}
	wg   sync.WaitGroup
}

func newPool(f Factory, options Options) *pool {
	options.setDefaults()

	p := &pool{
		factory: f,
		opts:    options,
		entries: make(map[Target]*entry),
		done:    make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweeper()

	return p
}

func (p *pool) Use(ctx context.Context, t Target, fn func(ctx context.Context, l *Lease) error) error {
	e, err := p.acquire(ctx, t)
	if err != nil {
		return err
	}

	// the operation runs with no pool lock held; release is
	// unconditional so a failed or cancelled operation still gives
	// the lease back
	err = fn(ctx, &Lease{e: e})
	p.release(e, err)

	return err
}

// acquire returns a leased ready entry for t, constructing the
// resource if no entry exists. Concurrent first callers converge on a
// single construction; every caller, the initiator included, waits on
// the shared ready channel with its own context.
func (p *pool) acquire(ctx context.Context, t Target) (*entry, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		e, ok := p.entries[t]
		if !ok {
			e = &entry{
				target: t,
				state:  stateConstructing,
				ready:  make(chan struct{}),
			}
			p.entries[t] = e
			p.mu.Unlock()
			go p.construct(e)
		} else if e.state == stateReady {
			e.leases++
			p.mu.Unlock()
			return e, nil
		} else {
			p.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.ready:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if e.err != nil {
			// every waiter surfaces the same construction failure;
			// the entry is already gone so the next call starts a
			// fresh attempt
			p.mu.Unlock()
			return nil, e.err
		}
		if p.entries[t] != e || e.state != stateReady {
			// evicted between construction settling and this caller
			// waking, start over
			p.mu.Unlock()
			continue
		}
		e.leases++
		p.mu.Unlock()
		return e, nil
	}
}

// construct runs the factory and Start for a freshly inserted entry.
// It runs detached from the initiating caller so a cancelled first
// caller cannot poison the attempt for the waiters behind it.
func (p *pool) construct(e *entry) {
	log := p.opts.Logger.WithField("target", e.target.String())

	res, err := p.factory(e.target)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
		err = res.Start(ctx)
		cancel()
	}

	p.mu.Lock()
	if err != nil {
		e.err = errors.Wrapf(err, "pool: connect %s", e.target)
		if p.entries[e.target] == e {
			delete(p.entries, e.target)
		}
		p.mu.Unlock()
		close(e.ready)
		log.WithError(err).Warn("resource construction failed")
		return
	}

	e.res = res
	e.id = uuid.New().String()
	e.state = stateReady
	e.lastReleased = time.Now()
	p.mu.Unlock()
	close(e.ready)

	log.WithField("id", e.id).Debug("resource ready")
}

func (p *pool) release(e *entry, opErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if opErr != nil && p.opts.Unhealthy != nil && p.opts.Unhealthy(opErr) {
		e.unhealthy = true
	}

	e.leases--
	if e.leases > 0 {
		return
	}

	e.lastReleased = time.Now()
	if e.idle != nil {
		close(e.idle)
		e.idle = nil
	}
	if e.unhealthy && !p.closed && e.state == stateReady && p.entries[e.target] == e {
		p.remove(e, "unhealthy")
	}
}

// remove takes e out of the map and begins teardown. Callers must
// hold p.mu; e must be ready with no leases.
func (p *pool) remove(e *entry, reason string) {
	delete(p.entries, e.target)
	e.state = stateDraining

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.stop(e, reason)
	}()
}

// stop runs the resource's Stop exactly once, bounded by the close
// timeout. e must already be draining and out of the map.
func (p *pool) stop(e *entry, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
	defer cancel()
	err := e.res.Stop(ctx)

	p.mu.Lock()
	e.state = stateClosed
	p.mu.Unlock()

	e.cacheMu.Lock()
	e.cache = nil
	e.cacheMu.Unlock()

	log := p.opts.Logger.WithField("target", e.target.String()).WithField("reason", reason)
	if err != nil {
		log.WithError(err).Warn("resource stop failed")
		return errors.Wrapf(err, "pool: stop %s", e.target)
	}
	log.Debug("resource closed")
	return nil
}

func (p *pool) sweeper() {
	defer p.wg.Done()

	t := time.NewTicker(p.opts.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-t.C:
			p.sweep(now)
		}
	}
}

// sweep closes every idle ready entry past the idle timeout, then
// evicts least-recently-released idle entries until the idle count is
// within MaxIdle. Leased entries are skipped regardless of age or
// pressure and reconsidered on the next sweep.
func (p *pool) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	var idle []*entry
	for _, e := range p.entries {
		if e.state != stateReady || e.leases > 0 {
			continue
		}
		if now.Sub(e.lastReleased) > p.opts.IdleTimeout {
			p.remove(e, "idle timeout")
			continue
		}
		idle = append(idle, e)
	}

	maxIdle := p.opts.MaxIdle
	if maxIdle < 0 {
		maxIdle = 0
	}
	if n := len(idle) - maxIdle; n > 0 {
		sort.Slice(idle, func(i, j int) bool {
			return idle[i].lastReleased.Before(idle[j].lastReleased)
		})
		for _, e := range idle[:n] {
			p.remove(e, "idle capacity")
		}
	}
}

func (p *pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Entries: make(map[Target]EntryStats, len(p.entries))}
	for t, e := range p.entries {
		s.Entries[t] = EntryStats{
			State:  e.state.String(),
			Leases: e.leases,
			ID:     e.id,
		}
	}
	return s
}

// Close shuts the pool down. New Use calls fail with ErrClosed
// immediately, as do callers still waiting on a construction. Each
// entry is given CloseGrace to drain its leases and is then stopped
// anyway; operations in flight past the grace period are not
// cancelled, they are left to fail naturally against the stopped
// resource.
func (p *pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)

	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.leases > 0 {
			e.idle = make(chan struct{})
		}
		entries = append(entries, e)
	}
	p.mu.Unlock()

	// sweeper gone and any eviction stops finished before draining
	p.wg.Wait()

	g := new(errgroup.Group)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			return p.drain(e)
		})
	}
	err := g.Wait()

	p.opts.Logger.Debug("pool closed")
	return err
}

// drain waits for an entry's construction to settle and its leases to
// clear, within the grace period, then stops it.
func (p *pool) drain(e *entry) error {
	<-e.ready

	p.mu.Lock()
	idle := e.idle
	p.mu.Unlock()

	if idle != nil {
		t := time.NewTimer(p.opts.CloseGrace)
		select {
		case <-idle:
			t.Stop()
		case <-t.C:
			// grace expired, stop underneath the lease holders
		}
	}

	p.mu.Lock()
	if e.err != nil || e.state != stateReady {
		// construction failed, or an eviction already took it down
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, e.target)
	e.state = stateDraining
	p.mu.Unlock()

	return p.stop(e, "shutdown")
}
