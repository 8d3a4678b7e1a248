package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeResource struct {
	target     Target
	startErr   error
	startDelay time.Duration

	mu      sync.Mutex
	started int
	stopped int
}

func (r *fakeResource) Start(ctx context.Context) error {
	if r.startDelay > 0 {
		time.Sleep(r.startDelay)
	}
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	return r.startErr
}

func (r *fakeResource) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped++
	r.mu.Unlock()
	return nil
}

func (r *fakeResource) stoppedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

type fakeFactory struct {
	mu         sync.Mutex
	made       []*fakeResource
	err        error
	startErr   error
	startDelay time.Duration
}

func (f *fakeFactory) new(t Target) (Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r := &fakeResource{target: t, startErr: f.startErr, startDelay: f.startDelay}
	f.made = append(f.made, r)
	return r, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *fakeFactory) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeFactory) totalStopped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.made {
		n += r.stoppedCount()
	}
	return n
}

// newTestPool builds a pool whose sweeper never fires on its own so
// tests drive sweeps by hand.
func newTestPool(f *fakeFactory, opts ...Option) *pool {
	var options Options
	for _, o := range append([]Option{
		SweepInterval(time.Hour),
		IdleTimeout(time.Hour),
	}, opts...) {
		o(&options)
	}
	return newPool(f.new, options)
}

func noop(ctx context.Context, l *Lease) error {
	return nil
}

var (
	targetA = Target{Host: "worker-a", Port: 9090}
	targetB = Target{Host: "worker-b", Port: 9090}
)

func TestUseSingleFlight(t *testing.T) {
	f := &fakeFactory{startDelay: 50 * time.Millisecond}
	p := newTestPool(f)
	defer p.Close() // nolint

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			errs <- p.Use(context.Background(), targetA, func(ctx context.Context, l *Lease) error {
				time.Sleep(100 * time.Millisecond)
				return nil
			})
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-errs)
	}

	require.Equal(t, 1, f.count())
	require.Equal(t, 1, f.made[0].started)

	stats := p.Stats()
	require.Len(t, stats.Entries, 1)
	require.Equal(t, "ready", stats.Entries[targetA].State)
	require.Equal(t, 0, stats.Entries[targetA].Leases)
	require.NotEmpty(t, stats.Entries[targetA].ID)
}

func TestConstructionFailureSharedAndNotSticky(t *testing.T) {
	f := &fakeFactory{startErr: errors.New("connect refused"), startDelay: 50 * time.Millisecond}
	p := newTestPool(f)
	defer p.Close() // nolint

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			errs <- p.Use(context.Background(), targetA, noop)
		}()
	}
	for i := 0; i < 5; i++ {
		err := <-errs
		require.Error(t, err)
		require.Contains(t, err.Error(), "connect refused")
	}

	// one shared attempt, entry discarded, never stopped since it
	// never started
	require.Equal(t, 1, f.count())
	require.Equal(t, 0, f.totalStopped())
	require.Empty(t, p.Stats().Entries)

	// a later caller gets a brand-new attempt
	f.setStartErr(nil)
	require.NoError(t, p.Use(context.Background(), targetA, noop))
	require.Equal(t, 2, f.count())
}

func TestIdleTimeoutEviction(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(f)
	defer p.Close() // nolint

	require.NoError(t, p.Use(context.Background(), targetA, noop))

	p.sweep(time.Now().Add(2 * time.Hour))

	require.Eventually(t, func() bool {
		return f.made[0].stoppedCount() == 1
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, p.Stats().Entries)

	// a second sweep must not stop the resource again
	p.sweep(time.Now().Add(4 * time.Hour))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, f.made[0].stoppedCount())
}

func TestNoEvictionWhileLeased(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(f)
	defer p.Close() // nolint

	hold := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.Use(context.Background(), targetA, func(ctx context.Context, l *Lease) error {
			<-hold
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return p.Stats().Entries[targetA].Leases == 1
	}, time.Second, 10*time.Millisecond)

	// idle timeout and capacity pressure together must leave a leased
	// entry untouched
	p.sweep(time.Now().Add(24 * time.Hour))
	require.Equal(t, "ready", p.Stats().Entries[targetA].State)
	require.Equal(t, 0, f.totalStopped())

	close(hold)
	require.NoError(t, <-done)

	p.sweep(time.Now().Add(24 * time.Hour))
	require.Eventually(t, func() bool {
		return f.totalStopped() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestIdleCapacityEvictsLeastRecentlyReleased(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(f, MaxIdle(1))
	defer p.Close() // nolint

	require.NoError(t, p.Use(context.Background(), targetA, noop))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Use(context.Background(), targetB, noop))

	p.sweep(time.Now())

	require.Eventually(t, func() bool {
		return f.totalStopped() == 1
	}, time.Second, 10*time.Millisecond)

	stats := p.Stats()
	require.Len(t, stats.Entries, 1)
	require.Contains(t, stats.Entries, targetB)
	require.Equal(t, 1, f.made[0].stoppedCount())
}

func TestCloseDrains(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(f)

	require.NoError(t, p.Use(context.Background(), targetA, noop))
	require.NoError(t, p.Use(context.Background(), targetB, noop))

	require.NoError(t, p.Close())
	require.Equal(t, 2, f.totalStopped())
	require.Equal(t, 1, f.made[0].stoppedCount())
	require.Equal(t, 1, f.made[1].stoppedCount())

	err := p.Use(context.Background(), targetA, noop)
	require.ErrorIs(t, err, ErrClosed)

	// closing twice is fine
	require.NoError(t, p.Close())
}

func TestCloseWaitsForLease(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(f, CloseGrace(time.Second))

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.Use(context.Background(), targetA, func(ctx context.Context, l *Lease) error {
			<-release
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return p.Stats().Entries[targetA].Leases == 1
	}, time.Second, 10*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, p.Close())
	require.NoError(t, <-done)
	require.Equal(t, 1, f.totalStopped())
}

func TestCloseForcesPastGrace(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(f, CloseGrace(50*time.Millisecond))

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.Use(context.Background(), targetA, func(ctx context.Context, l *Lease) error {
			<-release
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return p.Stats().Entries[targetA].Leases == 1
	}, time.Second, 10*time.Millisecond)

	// the lease never drains within the grace period; the resource is
	// stopped underneath the holder
	require.NoError(t, p.Close())
	require.Equal(t, 1, f.totalStopped())

	close(release)
	require.NoError(t, <-done)
}

func TestCachedDiesWithInstance(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(f)
	defer p.Close() // nolint

	type slot struct{}
	builds := 0
	use := func() (v interface{}, err error) {
		err = p.Use(context.Background(), targetA, func(ctx context.Context, l *Lease) error {
			v, err = l.Cached(slot{}, func() (interface{}, error) {
				builds++
				return &struct{ n int }{builds}, nil
			})
			return err
		})
		return v, err
	}

	v1, err := use()
	require.NoError(t, err)
	v2, err := use()
	require.NoError(t, err)
	require.Same(t, v1, v2)
	require.Equal(t, 1, builds)

	// eviction replaces the instance and with it the cached object
	p.sweep(time.Now().Add(2 * time.Hour))
	require.Eventually(t, func() bool {
		return f.totalStopped() == 1
	}, time.Second, 10*time.Millisecond)

	v3, err := use()
	require.NoError(t, err)
	require.NotSame(t, v1, v3)
	require.Equal(t, 2, builds)
}

func TestUnhealthyPolicyEvicts(t *testing.T) {
	errBad := errors.New("channel broken")
	f := &fakeFactory{}
	p := newTestPool(f, Unhealthy(func(err error) bool {
		return errors.Is(err, errBad)
	}))
	defer p.Close() // nolint

	require.NoError(t, p.Use(context.Background(), targetA, noop))
	require.Equal(t, 1, f.count())

	err := p.Use(context.Background(), targetA, func(ctx context.Context, l *Lease) error {
		return errBad
	})
	require.ErrorIs(t, err, errBad)

	require.Eventually(t, func() bool {
		return f.totalStopped() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Use(context.Background(), targetA, noop))
	require.Equal(t, 2, f.count())
}

func TestOperationErrorKeepsEntry(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(f)
	defer p.Close() // nolint

	opErr := errors.New("rpc failed")
	err := p.Use(context.Background(), targetA, func(ctx context.Context, l *Lease) error {
		return opErr
	})
	require.ErrorIs(t, err, opErr)

	// without an Unhealthy policy the entry stays pooled
	require.Equal(t, "ready", p.Stats().Entries[targetA].State)
	require.NoError(t, p.Use(context.Background(), targetA, noop))
	require.Equal(t, 1, f.count())
}

func TestAcquireCancelledWhileConstructing(t *testing.T) {
	f := &fakeFactory{startDelay: 200 * time.Millisecond}
	p := newTestPool(f)
	defer p.Close() // nolint

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Use(ctx, targetA, noop)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the construction it abandoned still completes and is shared
	require.NoError(t, p.Use(context.Background(), targetA, noop))
	require.Equal(t, 1, f.count())
}
