package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncWorker funnels values of type T through a single goroutine (fan-in) —
// here, completed image blobs handed to the Sink — so a slow or wedged
// consumer never blocks its producer. It provides non-blocking enqueue
// semantics: if the internal buffer
// is full, Send invokes the configured OnDrop hook and returns its error
// (usually an overflow sentinel), so producers never block behind a slow
// disk or wedged device.
//
// Life-cycle:
//
//	w := NewAsyncWorker(ctx, buf, handleFn, hooks)
//	w.Send(value)
//	w.Close()
//
// After Close returns no more values will be processed and the channel is
// closed; additional Send calls return ErrAsyncWorkerClosed without
// enqueueing. Callers should not send after Close.
//
// Hooks let each caller keep distinct metrics/logging without duplicating
// the goroutine + buffer plumbing.
type AsyncWorker[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	handle func(T) error
	hooks  Hooks
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize AsyncWorker behavior.
type Hooks struct {
	// OnError is called when handle returns a non-nil error.
	OnError func(error)
	// OnAfter is called only after a successful handle.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Send. If nil, the overflow is silent.
	OnDrop func() error
}

// NewAsyncWorker constructs an AsyncWorker with a buffered channel of size buf.
func NewAsyncWorker[T any](parent context.Context, buf int, handle func(T) error, hooks Hooks) *AsyncWorker[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncWorker[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		handle: handle,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncWorker[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case v, ok := <-a.ch:
			if !ok { // channel closed
				return
			}
			if err := a.handle(v); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// ErrAsyncWorkerClosed is returned by Send after Close.
var ErrAsyncWorkerClosed = errors.New("async worker closed")

// Send queues a value for asynchronous handling, or returns the drop error
// if the buffer is full.
func (a *AsyncWorker[T]) Send(v T) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if a.closed.Load() {
		return ErrAsyncWorkerClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncWorkerClosed
	}
	select {
	case a.ch <- v:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for the value currently being handled to
// finish. Values still buffered in the channel when Close is called may be
// left unhandled.
func (a *AsyncWorker[T]) Close() {
	if a.closed.Swap(true) { // already closed
		return
	}
	// Cancel context to stop loop, then close channel under the send lock to avoid races.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
