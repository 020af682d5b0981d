// Package metrics exposes Prometheus counters/gauges for the receiver and a
// small HTTP server for /metrics and /ready: frames decoded, structural
// errors, reassembly evictions, and sink writes.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkoss/jpeg-receiver/internal/logging"
)

var (
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frames_decoded_total",
		Help: "Total frames successfully decoded, by kind.",
	}, []string{"kind"})
	StructuralErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frame_structural_errors_total",
		Help: "Total structural rejections during frame parsing, by reason.",
	}, []string{"reason"})
	ResyncBytesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frame_resync_bytes_discarded_total",
		Help: "Total bytes discarded while resynchronizing on START_MARKER.",
	})
	ReassemblyBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reassembly_bytes_total",
		Help: "Total DATA payload bytes appended to a sender's buffer.",
	}, []string{"mac"})
	ReassemblyEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reassembly_evictions_total",
		Help: "Total reassembly entries evicted by the timeout sweeper.",
	})
	ReassemblyActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reassembly_active_entries",
		Help: "Current number of in-flight per-sender reassembly entries.",
	})
	HashMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hash_mismatches_total",
		Help: "Total finalized images whose advertised HASH did not match the computed digest.",
	})
	ImagesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "images_written_total",
		Help: "Total images successfully persisted by the sink.",
	})
	ImageBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "image_bytes_written_total",
		Help: "Total bytes persisted by the sink.",
	})
	SinkDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sink_drops_total",
		Help: "Total completed images dropped because the sink queue was full.",
	})
	SinkWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sink_write_errors_total",
		Help: "Total images lost to a filesystem write error.",
	})
	TransportReopens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_reopens_total",
		Help: "Total times the connection supervisor reopened the transport after a failure.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Reason label constants (stable values to bound cardinality).
const (
	ReasonBadLength     = "bad_length"
	ReasonBadEndMarker  = "bad_end_marker"
	ReasonBadChecksum   = "bad_checksum"
	ReasonFrameTimeout  = "frame_timeout"
	ReasonUnknownKind   = "unknown_kind"
	ReasonEOFNoEntry    = "eof_no_entry"
	ReasonTransportOpen = "transport_open"
	ReasonTransportRead = "transport_read"
)

// StartHTTP serves Prometheus metrics and readiness on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process logging (metrics_logger.go)
// without scraping Prometheus.
var (
	localFrames       uint64
	localErrors       uint64
	localEvictions    uint64
	localImages       uint64
	localImageBytes   uint64
	localSinkDrops    uint64
	localHashMismatch uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Frames       uint64
	Errors       uint64
	Evictions    uint64
	Images       uint64
	ImageBytes   uint64
	SinkDrops    uint64
	HashMismatch uint64
}

func Snap() Snapshot {
	return Snapshot{
		Frames:       atomic.LoadUint64(&localFrames),
		Errors:       atomic.LoadUint64(&localErrors),
		Evictions:    atomic.LoadUint64(&localEvictions),
		Images:       atomic.LoadUint64(&localImages),
		ImageBytes:   atomic.LoadUint64(&localImageBytes),
		SinkDrops:    atomic.LoadUint64(&localSinkDrops),
		HashMismatch: atomic.LoadUint64(&localHashMismatch),
	}
}

func IncFrame(kind string) {
	FramesDecoded.WithLabelValues(kind).Inc()
	atomic.AddUint64(&localFrames, 1)
}

func IncStructuralError(reason string) {
	StructuralErrors.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func AddResyncBytes(n int) {
	if n <= 0 {
		return
	}
	ResyncBytesDiscarded.Add(float64(n))
}

func AddReassemblyBytes(macStr string, n int) {
	ReassemblyBytes.WithLabelValues(macStr).Add(float64(n))
}

func SetReassemblyActive(n int) { ReassemblyActive.Set(float64(n)) }

func IncEviction() {
	ReassemblyEvictions.Inc()
	atomic.AddUint64(&localEvictions, 1)
}

func IncHashMismatch() {
	HashMismatches.Inc()
	atomic.AddUint64(&localHashMismatch, 1)
}

func AddImageWritten(bytes int) {
	ImagesWritten.Inc()
	ImageBytesWritten.Add(float64(bytes))
	atomic.AddUint64(&localImages, 1)
	atomic.AddUint64(&localImageBytes, uint64(bytes))
}

func IncSinkDrop() {
	SinkDrops.Inc()
	atomic.AddUint64(&localSinkDrops, 1)
}

func IncSinkWriteError() { SinkWriteErrors.Inc() }

func IncTransportReopen() { TransportReopens.Inc() }

// InitBuildInfo sets the build info gauge and pre-registers bounded label
// series so the first real sample doesn't pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, k := range []string{"HASH", "DATA", "EOF"} {
		FramesDecoded.WithLabelValues(k).Add(0)
	}
	for _, r := range []string{
		ReasonBadLength, ReasonBadEndMarker, ReasonBadChecksum,
		ReasonFrameTimeout, ReasonUnknownKind, ReasonEOFNoEntry,
		ReasonTransportOpen, ReasonTransportRead,
	} {
		StructuralErrors.WithLabelValues(r).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
