package terminal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/ephys.loop/internal/monitoring"
)

var (
	// ErrClosed is returned by every dispatch after Close.
	ErrClosed = errors.New("terminal is closed")
	// ErrQueueFull is returned by TryPost when the owner is saturated.
	ErrQueueFull = errors.New("terminal queue is full")
	// ErrPanicked is returned by Call when the dispatched function panicked.
	ErrPanicked = errors.New("dispatched call panicked")
)

// DefaultQueueSize bounds the owner queue.
const DefaultQueueSize = 64

type ownerKey struct{}

// DispatcherStats reports dispatcher counters.
type DispatcherStats struct {
	Posted     int64 `json:"posted"`
	Completed  int64 `json:"completed"`
	Rejected   int64 `json:"rejected"`
	Dropped    int64 `json:"dropped"`
	Panics     int64 `json:"panics"`
	QueueDepth int   `json:"queue_depth"`
}

// Dispatcher runs posted functions one at a time, in post order, on a single
// owner goroutine. Every function receives a context that identifies the
// owner; a post carrying that context runs inline instead of being queued, so
// owner code may call back into dispatching APIs without deadlocking.
type Dispatcher struct {
	name     string
	queue    chan func(context.Context)
	quit     chan struct{}
	done     chan struct{}
	ownerCtx context.Context
	once     sync.Once

	posted    atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// NewDispatcher starts the owner goroutine.
func NewDispatcher(name string, capacity int) *Dispatcher {
	if capacity < 1 {
		capacity = DefaultQueueSize
	}
	d := &Dispatcher{
		name:  name,
		queue: make(chan func(context.Context), capacity),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	d.ownerCtx = context.WithValue(context.Background(), ownerKey{}, d)
	go d.run()
	return d
}

// IsOwner reports whether ctx was handed out by this dispatcher's owner
// goroutine.
func (d *Dispatcher) IsOwner(ctx context.Context) bool {
	return ctx != nil && ctx.Value(ownerKey{}) == d
}

func (d *Dispatcher) closed() bool {
	select {
	case <-d.quit:
		return true
	default:
		return false
	}
}

// Post queues fn, blocking while the queue is full. On the owner it runs fn
// inline.
func (d *Dispatcher) Post(ctx context.Context, fn func(context.Context)) error {
	if d.IsOwner(ctx) {
		fn(ctx)
		return nil
	}
	if d.closed() {
		return ErrClosed
	}
	select {
	case d.queue <- fn:
		d.posted.Add(1)
		return nil
	case <-d.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPost queues fn without blocking. It never runs fn inline.
func (d *Dispatcher) TryPost(fn func(context.Context)) error {
	if d.closed() {
		return ErrClosed
	}
	select {
	case d.queue <- fn:
		d.posted.Add(1)
		return nil
	default:
		d.rejected.Add(1)
		return ErrQueueFull
	}
}

// Call runs fn on the owner and waits for its result.
func (d *Dispatcher) Call(ctx context.Context, fn func(context.Context) error) error {
	if d.IsOwner(ctx) {
		return fn(ctx)
	}
	result := make(chan error, 1)
	err := d.Post(ctx, func(ctx context.Context) {
		err := ErrPanicked
		defer func() { result <- err }()
		err = fn(ctx)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-d.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the owner goroutine and drops anything still queued. It must
// not be called from a dispatched function.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.quit) })
	<-d.done
}

// Done is closed once the owner goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Posted:     d.posted.Load(),
		Completed:  d.completed.Load(),
		Rejected:   d.rejected.Load(),
		Dropped:    d.dropped.Load(),
		Panics:     d.panics.Load(),
		QueueDepth: len(d.queue),
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		// quit wins over queued work
		select {
		case <-d.quit:
			d.drain()
			return
		default:
		}
		select {
		case <-d.quit:
			d.drain()
			return
		case fn := <-d.queue:
			d.exec(fn)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case <-d.queue:
			d.dropped.Add(1)
		default:
			if n := d.dropped.Load(); n > 0 {
				monitoring.Diagf("%s: dropped %d pending calls on close", d.name, n)
			}
			return
		}
	}
}

func (d *Dispatcher) exec(fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			monitoring.Opsf("%s: recovered panic: %v", d.name, r)
		}
		d.completed.Add(1)
	}()
	fn(d.ownerCtx)
}
