// Package reassembly holds the per-sender in-flight image buffer. The
// Timeout Sweeper runs as its own goroutine alongside the Connection
// Supervisor, so the table is guarded by a mutex rather than relying on
// single-goroutine ownership.
package reassembly

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/jkoss/jpeg-receiver/internal/mac"
	"github.com/jkoss/jpeg-receiver/internal/metrics"
)

type entry struct {
	buf          []byte
	lastActivity time.Time
	hashAdvert   string
}

// Table maps sender MAC to its in-flight reassembly entry.
type Table struct {
	mu           sync.Mutex
	entries      map[mac.Addr]*entry
	pendingHash  map[mac.Addr]string // HASH text seen before any entry existed for that MAC
	imageTimeout time.Duration
	logger       *slog.Logger
}

// New creates an empty Table. imageTimeout is the idle bound the Sweeper
// enforces before evicting a stale entry (default 20s).
func New(logger *slog.Logger, imageTimeout time.Duration) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries:      make(map[mac.Addr]*entry),
		pendingHash:  make(map[mac.Addr]string),
		imageTimeout: imageTimeout,
		logger:       logger,
	}
}

// OnHash records the advertised integrity digest for m. A HASH frame carries
// no image bytes of its own and must never create an entry on its own: an
// entry is created lazily only by the first accepted DATA frame for that
// sender. If no entry exists yet, the digest is parked in pendingHash and
// attached once OnData opens one; if one never arrives, the digest is
// discarded on the next OnEOF for m.
func (t *Table) OnHash(m mac.Addr, text string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[m]; ok {
		e.hashAdvert = text
		e.lastActivity = now
		t.logger.Debug("hash_advertised", "mac", m.String(), "hash", text)
		return
	}
	t.pendingHash[m] = text
	t.logger.Debug("hash_advertised_pending", "mac", m.String(), "hash", text)
}

// OnData appends payload to m's buffer, creating the entry lazily on first
// chunk. last_activity is updated to now, which callers must supply
// monotonically non-decreasing per mac.
func (t *Table) OnData(m mac.Addr, payload []byte, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[m]
	if !ok {
		e = &entry{}
		if h, pending := t.pendingHash[m]; pending {
			e.hashAdvert = h
			delete(t.pendingHash, m)
		}
		t.entries[m] = e
		metrics.SetReassemblyActive(len(t.entries))
		t.logger.Info("reassembly_started", "mac", m.String())
	}
	e.buf = append(e.buf, payload...)
	e.lastActivity = now
	metrics.AddReassemblyBytes(m.PathForm(), len(payload))
}

// OnEOF finalizes and removes m's entry, returning its accumulated bytes and
// the most recently advertised hash text. ok is false if no entry existed
// (a HASH frame alone does not count as one), in which case no blob is
// produced; any hash parked for m by OnHash is discarded either way.
func (t *Table) OnEOF(m mac.Addr, now time.Time) (blob []byte, hashAdvert string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pendingHash, m)
	e, found := t.entries[m]
	if !found {
		t.logger.Warn("eof_without_buffer", "mac", m.String())
		metrics.IncStructuralError(metrics.ReasonEOFNoEntry)
		return nil, "", false
	}
	delete(t.entries, m)
	metrics.SetReassemblyActive(len(t.entries))
	return e.buf, e.hashAdvert, true
}

// Sweep evicts every entry whose last activity is older than imageTimeout
// relative to now, logging each eviction with its buffered byte count.
// Returns the number of entries evicted.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for m, e := range t.entries {
		if now.Sub(e.lastActivity) > t.imageTimeout {
			t.logger.Warn("reassembly_evicted", "mac", m.String(), "buffered_bytes", len(e.buf))
			delete(t.entries, m)
			metrics.IncEviction()
			evicted++
		}
	}
	if evicted > 0 {
		metrics.SetReassemblyActive(len(t.entries))
	}
	return evicted
}

// Len reports the current number of in-flight entries (for tests/metrics).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// VerifyHash computes SHA-256 over blob and reports whether it matches the
// lowercase-hex advertised digest. An empty advert always reports ok=false
// with no digest computed, so callers can distinguish "no HASH frame seen"
// from "HASH frame seen, mismatched".
func VerifyHash(advert string, blob []byte) (computed string, ok bool) {
	if advert == "" {
		return "", false
	}
	sum := sha256.Sum256(blob)
	computed = hex.EncodeToString(sum[:])
	return computed, computed == advert
}
