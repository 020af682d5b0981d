// Package supervisor drives the single logical reader: it opens the serial
// transport, feeds bytes to a fresh frame.Decoder and reassembly.Table per
// connection attempt, and recovers from transport loss with a fixed retry
// delay.
package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jkoss/jpeg-receiver/internal/frame"
	"github.com/jkoss/jpeg-receiver/internal/legacyframe"
	"github.com/jkoss/jpeg-receiver/internal/mac"
	"github.com/jkoss/jpeg-receiver/internal/metrics"
	"github.com/jkoss/jpeg-receiver/internal/reassembly"
	"github.com/jkoss/jpeg-receiver/internal/sink"
	"github.com/jkoss/jpeg-receiver/internal/transport"
)

// Config bounds the supervisor's behavior.
type Config struct {
	Device            string
	Baud              int
	SerialReadTimeout time.Duration
	ReadBufSize       int
	FrameTimeout      time.Duration // how long a partial frame may sit before being discarded, default 2s
	ImageTimeout      time.Duration // how long an in-flight image may sit idle before eviction, default 20s
	RetryDelay        time.Duration // fixed backoff between transport reopen attempts, default 5s
	VerifyHash        bool
	LegacyFraming     bool // select the optional two-byte-marker compatibility decoder
}

// Sink is the subset of sink.Writer the supervisor depends on.
type Sink interface {
	Submit(sink.Job) error
}

// Supervisor owns one connection attempt's codec buffer and reassembly table
// at a time; both are dropped and recreated whenever the transport reopens.
type Supervisor struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	// Test hooks.
	openPort func(name string, baud int, readTimeout time.Duration) (transport.Port, error)
	sleepFn  func(time.Duration)

	// mu/ready back Ready, which callers (e.g. /ready) poll to observe
	// "transport is currently open".
	mu    sync.Mutex
	ready bool
}

// New constructs a Supervisor. sinkWriter receives one Job per finalized EOF.
func New(cfg Config, sinkWriter Sink, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		sink:     sinkWriter,
		logger:   logger,
		openPort: transport.Open,
		sleepFn:  time.Sleep,
	}
}

// Ready reports whether the transport is currently open.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Supervisor) setReady(v bool) {
	s.mu.Lock()
	s.ready = v
	s.mu.Unlock()
}

// Run drives the connection loop until ctx is cancelled. Transient transport
// failures never end it; they are logged and retried after RetryDelay.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.runOnce(ctx)
		s.setReady(false)
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("transport_retry_wait", "delay", s.cfg.RetryDelay)
		s.sleepFn(s.cfg.RetryDelay)
	}
}

// runOnce performs one connection attempt: open, drain, close.
func (s *Supervisor) runOnce(ctx context.Context) {
	port, err := s.openPort(s.cfg.Device, s.cfg.Baud, s.cfg.SerialReadTimeout)
	if err != nil {
		metrics.IncStructuralError(metrics.ReasonTransportOpen)
		s.logger.Warn("transport_open_failed", "device", s.cfg.Device, "error", err)
		return
	}
	metrics.IncTransportReopen()
	s.setReady(true)
	s.logger.Info("transport_open", "device", s.cfg.Device, "baud", s.cfg.Baud)

	connCtx, cancel := context.WithCancel(ctx)
	table := reassembly.New(s.logger, s.cfg.ImageTimeout)
	dec := s.newDecoder()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweepLoop(connCtx, table)
	}()

	bufSize := s.cfg.ReadBufSize
	if bufSize <= 0 {
		bufSize = 4096
	}
	s.readLoop(connCtx, port, dec, table, make([]byte, bufSize))

	cancel()
	_ = port.Close()
	wg.Wait()
}

// newDecoder picks the canonical or legacy codec per config, letting the
// rest of the connection loop stay agnostic via frame.Stepper.
func (s *Supervisor) newDecoder() frame.Stepper {
	if s.cfg.LegacyFraming {
		return legacyframe.NewDecoder(s.cfg.FrameTimeout)
	}
	return frame.NewDecoder(s.cfg.FrameTimeout)
}

func (s *Supervisor) sweepLoop(ctx context.Context, table *reassembly.Table) {
	ticker := time.NewTicker(s.cfg.ImageTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			table.Sweep(time.Now())
		}
	}
}

// readLoop reads from port until ctx is cancelled or the transport reports
// closure/error, draining the decoder after every read.
func (s *Supervisor) readLoop(ctx context.Context, port transport.Port, dec frame.Stepper, table *reassembly.Table, buf []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := port.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			s.drain(dec, table)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				s.logger.Warn("transport_removed", "error", err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			metrics.IncStructuralError(metrics.ReasonTransportRead)
			s.logger.Warn("transport_read_error", "error", err)
			return
		}
	}
}

// drain steps the decoder until it reports "need more data", dispatching
// each emitted event.
func (s *Supervisor) drain(dec frame.Stepper, table *reassembly.Table) {
	for {
		ev := dec.Step(time.Now())
		switch ev.Type {
		case frame.EventNeedMore:
			return
		case frame.EventFrame:
			s.handleFrame(ev.Frame, table)
		case frame.EventUnknownKind:
			s.logger.Warn("unknown_frame_kind", "mac", ev.Frame.MAC.String(), "kind", byte(ev.Frame.Kind))
			metrics.IncStructuralError(metrics.ReasonUnknownKind)
		case frame.EventResync:
			s.logger.Info("resync_discard", "bytes", ev.DiscardedBytes)
			metrics.AddResyncBytes(ev.DiscardedBytes)
		case frame.EventFrameTimeout:
			s.logger.Warn("frame_timeout_discard", "bytes", ev.DiscardedBytes)
			metrics.IncStructuralError(metrics.ReasonFrameTimeout)
			metrics.AddResyncBytes(ev.DiscardedBytes)
		case frame.EventBadLength:
			s.logger.Warn("bad_length_discard", "bytes", ev.DiscardedBytes)
			metrics.IncStructuralError(metrics.ReasonBadLength)
		case frame.EventBadEndMarker:
			s.logger.Warn("bad_end_marker_discard", "bytes", ev.DiscardedBytes)
			metrics.IncStructuralError(metrics.ReasonBadEndMarker)
		case frame.EventBadChecksum:
			s.logger.Warn("bad_checksum_discard", "bytes", ev.DiscardedBytes)
			metrics.IncStructuralError(metrics.ReasonBadChecksum)
		}
	}
}

func (s *Supervisor) handleFrame(fr frame.Frame, table *reassembly.Table) {
	now := time.Now()
	metrics.IncFrame(fr.Kind.String())
	switch fr.Kind {
	case frame.KindHash:
		table.OnHash(fr.MAC, string(fr.Payload), now)
	case frame.KindData:
		table.OnData(fr.MAC, fr.Payload, now)
	case frame.KindEOF:
		s.finalize(fr.MAC, table)
	}
}

func (s *Supervisor) finalize(m mac.Addr, table *reassembly.Table) {
	blob, hashAdvert, ok := table.OnEOF(m, time.Now())
	if !ok {
		return
	}
	job := sink.Job{MAC: m, Blob: blob, HashAdvert: hashAdvert, ReceivedAt: time.Now()}
	if err := s.sink.Submit(job); err != nil {
		s.logger.Warn("sink_submit_failed", "mac", m.String(), "bytes", len(blob), "error", err)
	}
}
