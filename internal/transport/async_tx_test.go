package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

// TestAsyncWorkerSuccess verifies values are handled and hooks fire.
func TestAsyncWorkerSuccess(t *testing.T) {
	var sent atomic.Int64
	var after atomic.Int64
	w := NewAsyncWorker(context.Background(), 4, func(v int) error {
		sent.Add(1)
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer w.Close()
	for i := 0; i < 3; i++ {
		if err := w.Send(i); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && sent.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", sent.Load(), after.Load())
	}
}

// TestAsyncWorkerOverflow ensures OnDrop is invoked when buffer full.
func TestAsyncWorkerOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	w := NewAsyncWorker(ctx, 1, func(v int) error { time.Sleep(150 * time.Millisecond); return nil }, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer w.Close()
	if err := w.Send(1); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	if err := w.Send(2); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

// TestAsyncWorkerSendError triggers OnError hook.
func TestAsyncWorkerSendError(t *testing.T) {
	var errs atomic.Int64
	w := NewAsyncWorker(context.Background(), 2, func(v int) error { return errSendFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer w.Close()
	_ = w.Send(1)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

// TestAsyncWorkerClose stops processing further values.
func TestAsyncWorkerClose(t *testing.T) {
	var sent atomic.Int64
	w := NewAsyncWorker(context.Background(), 2, func(v int) error { sent.Add(1); return nil }, Hooks{})
	_ = w.Send(1)
	w.Close()
	countAfterClose := sent.Load()
	_ = w.Send(2)
	time.Sleep(50 * time.Millisecond)
	if sent.Load() != countAfterClose {
		t.Fatalf("value processed after close: before=%d after=%d", countAfterClose, sent.Load())
	}
}

func TestAsyncWorkerSendAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewAsyncWorker(ctx, 2, func(v int) error { return nil }, Hooks{})
	w.Close()
	if err := w.Send(123); !errors.Is(err, ErrAsyncWorkerClosed) {
		t.Fatalf("expected ErrAsyncWorkerClosed, got %v", err)
	}
}

func TestAsyncWorkerCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		w := NewAsyncWorker(context.Background(), 1, func(v int) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- w.Send(1)
		}()
		time.Sleep(1 * time.Millisecond)
		w.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncWorkerClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
