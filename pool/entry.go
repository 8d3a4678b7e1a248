package pool

import (
	"sync"
	"time"
)

type state int

// Entries move strictly forward: constructing -> ready -> draining ->
// closed. A failed construction removes the entry without it ever
// reaching closed, since the resource never started. Only
// constructing and ready entries live in the pool map; an entry
// leaves the map the moment teardown begins so no new lease can land
// on it mid-close.
const (
	stateConstructing state = iota
	stateReady
	stateDraining
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConstructing:
		return "constructing"
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// entry is the pool's bookkeeping wrapper around one resource
// instance for one target.
type entry struct {
	target Target
	// id is the identity of the resource instance, set once
	// construction succeeds
	id string

	res          Resource
	state        state
	leases       int
	lastReleased time.Time
	unhealthy    bool

	// ready is closed when construction settles; err then holds the
	// construction failure shared by every waiter, if any
	ready chan struct{}
	err   error

	// idle is set at shutdown for entries still leased and closed
	// when the last lease goes
	idle chan struct{}

	// derived objects cached for the lifetime of this resource
	// instance, dropped at close
	cacheMu sync.Mutex
	cache   map[interface{}]interface{}
}

// Lease is the scope during which a caller holds the guarantee that
// the resource will not be closed. It is valid only inside the
// operation passed to Use.
type Lease struct {
	e *entry
}

// Resource returns the leased resource.
func (l *Lease) Resource() Resource {
	return l.e.res
}

// ID identifies the resource instance behind this lease. Two leases
// for the same target carry the same ID only while the underlying
// resource has not been replaced.
func (l *Lease) ID() string {
	return l.e.id
}

// Cached returns the derived object stored under key for this
// resource instance, building it on first use. The object lives
// exactly as long as the instance: eviction drops the whole cache, so
// a derived object never outlives its connection.
func (l *Lease) Cached(key interface{}, build func() (interface{}, error)) (interface{}, error) {
	l.e.cacheMu.Lock()
	defer l.e.cacheMu.Unlock()

	if v, ok := l.e.cache[key]; ok {
		return v, nil
	}

	v, err := build()
	if err != nil {
		return nil, err
	}

	if l.e.cache == nil {
		l.e.cache = make(map[interface{}]interface{})
	}
	l.e.cache[key] = v

	return v, nil
}
