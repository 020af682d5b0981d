package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jkoss/jpeg-receiver/internal/frame"
	"github.com/jkoss/jpeg-receiver/internal/mac"
	"github.com/jkoss/jpeg-receiver/internal/sink"
	"github.com/jkoss/jpeg-receiver/internal/transport"
)

func supMAC(b byte) mac.Addr {
	var m mac.Addr
	for i := range m {
		m[i] = b
	}
	return m
}

type fakeSink struct {
	jobs chan sink.Job
}

func (f *fakeSink) Submit(j sink.Job) error {
	f.jobs <- j
	return nil
}

// fakePort replays a fixed byte stream, then reports io.EOF, mimicking a
// transport that delivered one image and then closed.
type fakePort struct {
	data   []byte
	pos    int
	closed atomic.Bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.pos >= len(p.data) {
		return 0, io.EOF
	}
	n := copy(b, p.data[p.pos:])
	p.pos += n
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePort) Close() error {
	p.closed.Store(true)
	return nil
}

func TestSupervisor_EndToEndSingleImage(t *testing.T) {
	sender := supMAC(0x42)
	codec := frame.Codec{}
	stream := append(
		codec.Encode(frame.Frame{Kind: frame.KindData, MAC: sender, Sequence: 1, Payload: []byte("abc")}),
		codec.Encode(frame.Frame{Kind: frame.KindEOF, MAC: sender, Sequence: 2})...,
	)
	port := &fakePort{data: stream}

	jobs := make(chan sink.Job, 1)
	fs := &fakeSink{jobs: jobs}

	cfg := Config{
		Device:            "test-device",
		Baud:              115200,
		SerialReadTimeout: 10 * time.Millisecond,
		ReadBufSize:       64,
		FrameTimeout:      2 * time.Second,
		ImageTimeout:      20 * time.Second,
		RetryDelay:        time.Millisecond,
	}
	sup := New(cfg, fs, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var openCalls atomic.Int32
	sup.openPort = func(name string, baud int, readTimeout time.Duration) (transport.Port, error) {
		if openCalls.Add(1) == 1 {
			return port, nil
		}
		return nil, errors.New("no further connections in this test")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	select {
	case job := <-jobs:
		require.Equal(t, sender, job.MAC)
		require.Equal(t, "abc", string(job.Blob))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink submission")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after context cancellation")
	}
	require.True(t, port.closed.Load())
}

func TestSupervisor_RetriesOnOpenFailure(t *testing.T) {
	jobs := make(chan sink.Job, 1)
	fs := &fakeSink{jobs: jobs}

	cfg := Config{Device: "missing", RetryDelay: time.Millisecond, ImageTimeout: time.Second, FrameTimeout: time.Second}
	sup := New(cfg, fs, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var attempts atomic.Int32
	sup.openPort = func(string, int, time.Duration) (transport.Port, error) {
		attempts.Add(1)
		return nil, errors.New("device not present")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && attempts.Load() < 3 {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	require.GreaterOrEqual(t, attempts.Load(), int32(3), "expected multiple retry attempts")
}
