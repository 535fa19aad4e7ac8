package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry hands out one lease per device and indexes live pipelines by
// device id. A reconnecting device waits until the previous session for the
// same id has released its lease, so two pipelines never share a directory.
type Registry struct {
	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	pipeline *Pipeline
	released chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{leases: make(map[string]*lease)}
}

// Acquire takes the lease for deviceID on behalf of p, waiting for any
// current holder to release it. A non-positive timeout waits until ctx is
// done. The returned release function is safe to call more than once.
func (r *Registry) Acquire(ctx context.Context, deviceID string, p *Pipeline, timeout time.Duration) (func(), error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		r.mu.Lock()
		cur, held := r.leases[deviceID]
		if !held {
			l := &lease{pipeline: p, released: make(chan struct{})}
			r.leases[deviceID] = l
			r.mu.Unlock()
			return sync.OnceFunc(func() { r.release(deviceID, l) }), nil
		}
		r.mu.Unlock()

		select {
		case <-cur.released:
		case <-expired:
			return nil, ErrLeaseTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Registry) release(deviceID string, l *lease) {
	r.mu.Lock()
	if r.leases[deviceID] == l {
		delete(r.leases, deviceID)
	}
	r.mu.Unlock()
	close(l.released)
}

// Lookup returns the pipeline holding deviceID's lease.
func (r *Registry) Lookup(deviceID string) (*Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[deviceID]
	if !ok {
		return nil, false
	}
	return l.pipeline, true
}

// Held reports whether deviceID currently has a lease holder.
func (r *Registry) Held(deviceID string) bool {
	_, ok := r.Lookup(deviceID)
	return ok
}

// Sessions returns live session views ordered by device id.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	pipelines := make([]*Pipeline, 0, len(r.leases))
	for _, l := range r.leases {
		pipelines = append(pipelines, l.pipeline)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(pipelines))
	for _, p := range pipelines {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

// Len returns the number of held leases.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// Tracker counts in-flight sessions so shutdown can wait for them.
type Tracker struct {
	mu     sync.Mutex
	active int
	idle   chan struct{}
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{idle: idle}
}

// Acquire registers one session. The returned function ends it and may be
// called more than once.
func (t *Tracker) Acquire() (release func()) {
	t.mu.Lock()
	if t.active == 0 {
		t.idle = make(chan struct{})
	}
	t.active++
	t.mu.Unlock()

	return sync.OnceFunc(func() {
		t.mu.Lock()
		t.active--
		if t.active == 0 {
			close(t.idle)
		}
		t.mu.Unlock()
	})
}

// Active returns the number of registered sessions.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Wait blocks until no session is registered or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
