// Package sink persists completed images to the filesystem under the
// filename convention the external viewer depends on, off the Connection
// Supervisor's read path via internal/transport.AsyncWorker.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkoss/jpeg-receiver/internal/mac"
	"github.com/jkoss/jpeg-receiver/internal/metrics"
	"github.com/jkoss/jpeg-receiver/internal/reassembly"
	"github.com/jkoss/jpeg-receiver/internal/transport"
)

// Job is one completed image handed off by the Connection Supervisor after
// an EOF finalize.
type Job struct {
	MAC        mac.Addr
	Blob       []byte
	HashAdvert string
	ReceivedAt time.Time
}

// Writer persists Jobs through a single dedicated goroutine so disk I/O
// never blocks the Supervisor's read path.
type Writer struct {
	dir        string
	verifyHash bool
	logger     *slog.Logger
	worker     *transport.AsyncWorker[Job]

	statsMu     sync.Mutex
	totalImages uint64
	totalBytes  uint64
	startedAt   time.Time
}

// New creates the output directory if needed and starts the writer's
// goroutine. queueSize bounds how many completed images may be buffered
// ahead of the disk; beyond that, images are dropped and logged rather than
// stalling the pipeline.
func New(ctx context.Context, dir string, queueSize int, logger *slog.Logger, verifyHash bool) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create output dir: %w", err)
	}
	w := &Writer{
		dir:        dir,
		verifyHash: verifyHash,
		logger:     logger,
		startedAt:  time.Now(),
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncSinkWriteError()
			logger.Error("sink_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncSinkDrop()
			logger.Warn("sink_drop", "reason", "queue_full")
			return ErrSinkOverflow
		},
	}
	w.worker = transport.NewAsyncWorker(ctx, queueSize, w.writeJob, hooks)
	return w, nil
}

// ErrSinkOverflow is returned by Submit when the write queue is full.
var ErrSinkOverflow = fmt.Errorf("sink: write queue overflow")

// Submit enqueues a completed image for asynchronous persistence. A non-nil
// error (queue full) means the image was dropped; the caller should log and
// continue rather than retry or block.
func (w *Writer) Submit(j Job) error {
	return w.worker.Send(j)
}

// Close stops the writer goroutine, waiting for any in-flight write to
// finish before returning.
func (w *Writer) Close() {
	w.worker.Close()
}

// FormatFilename renders the canonical name: <mac>_<YYYYMMDD>_<HHMMSS>_<UUUUUU>.jpg
func FormatFilename(m mac.Addr, t time.Time) string {
	return fmt.Sprintf("%s_%s_%06d.jpg", m.PathForm(), t.Format("20060102_150405"), t.Nanosecond()/1000)
}

func (w *Writer) writeJob(j Job) error {
	name := FormatFilename(j.MAC, j.ReceivedAt)
	finalPath := filepath.Join(w.dir, name)
	tmpPath := filepath.Join(w.dir, name+".tmp-"+uuid.NewString())

	if err := os.WriteFile(tmpPath, j.Blob, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sink: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sink: rename into place: %w", err)
	}

	if w.verifyHash {
		computed, ok := reassembly.VerifyHash(j.HashAdvert, j.Blob)
		switch {
		case j.HashAdvert == "":
			// no HASH frame advertised for this image; nothing to check
		case ok:
			w.logger.Debug("hash_verified", "mac", j.MAC.String(), "file", name)
		default:
			metrics.IncHashMismatch()
			w.logger.Warn("hash_mismatch", "mac", j.MAC.String(), "file", name, "advertised", j.HashAdvert, "computed", computed)
		}
	}

	metrics.AddImageWritten(len(j.Blob))
	w.recordStats(name, len(j.Blob))
	return nil
}

func (w *Writer) recordStats(name string, size int) {
	w.statsMu.Lock()
	w.totalImages++
	w.totalBytes += uint64(size)
	count := w.totalImages
	avg := w.totalBytes / count
	elapsed := time.Since(w.startedAt)
	w.statsMu.Unlock()

	w.logger.Info("image_written", "file", name, "bytes", size)
	if count%10 == 0 {
		w.logger.Info("sink_stats", "count", count, "avg_bytes", avg, "elapsed", elapsed)
	}
}
