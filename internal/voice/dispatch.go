package voice

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultDispatchQueue = 256

// dispatcher hands items from a receive loop to a single delivery goroutine
// through a bounded queue. Order is preserved and each item is delivered at most once.
type dispatcher[T any] struct {
	queue   chan T
	deliver func(context.Context, T) error
	log     *zap.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	dropped   atomic.Bool

	failures atomic.Int64
}

func newDispatcher[T any](size int, log *zap.Logger, deliver func(context.Context, T) error) *dispatcher[T] {
	if size <= 0 {
		size = defaultDispatchQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher[T]{
		queue:     make(chan T, size),
		deliver:   deliver,
		log:       log,
		ctx:       ctx,
		cancelCtx: cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue blocks while the queue is full. It reports false once the
// dispatcher is stopped or ctx is done.
func (d *dispatcher[T]) Enqueue(ctx context.Context, item T) bool {
	select {
	case <-d.stop:
		return false
	default:
	}
	select {
	case d.queue <- item:
		return true
	case <-d.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close stops intake and waits for queued items to be delivered. If ctx
// expires first the remaining items are dropped.
func (d *dispatcher[T]) Close(ctx context.Context) {
	d.stopOnce.Do(func() { close(d.stop) })
	select {
	case <-d.done:
	case <-ctx.Done():
		d.Cancel()
	}
}

// Cancel drops queued items and interrupts the in-flight delivery. It does
// not wait, so it is safe to call from inside a delivery callback.
func (d *dispatcher[T]) Cancel() {
	d.dropped.Store(true)
	d.cancelCtx()
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *dispatcher[T]) Failures() int64 { return d.failures.Load() }

func (d *dispatcher[T]) run() {
	defer close(d.done)
	defer d.cancelCtx()
	for {
		select {
		case item := <-d.queue:
			d.handle(item)
		case <-d.stop:
			for {
				select {
				case item := <-d.queue:
					d.handle(item)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher[T]) handle(item T) {
	if d.dropped.Load() {
		return
	}
	if err := d.deliver(d.ctx, item); err != nil {
		d.failures.Add(1)
		d.log.Warn("delivery failed", zap.Error(err))
	}
}
