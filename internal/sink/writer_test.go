package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jkoss/jpeg-receiver/internal/mac"
)

func jobMAC(b byte) mac.Addr {
	var m mac.Addr
	for i := range m {
		m[i] = b
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestWriter_SubmitWritesFileAtomically(t *testing.T) {
	dir := t.TempDir()
	w, err := New(context.Background(), dir, 4, nil, false)
	require.NoError(t, err)
	defer w.Close()

	blob := []byte("fake jpeg bytes")
	received := time.Date(2026, 7, 30, 10, 20, 30, 123456000, time.UTC)
	require.NoError(t, w.Submit(Job{MAC: jobMAC(0xAB), Blob: blob, ReceivedAt: received}))

	wantName := FormatFilename(jobMAC(0xAB), received)
	wantPath := filepath.Join(dir, wantName)
	waitFor(t, func() bool {
		_, err := os.Stat(wantPath)
		return err == nil
	})

	got, err := os.ReadFile(wantPath)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp-", "no temp file should remain after a successful write")
	}
}

func TestWriter_HashMismatchDoesNotDropImage(t *testing.T) {
	dir := t.TempDir()
	w, err := New(context.Background(), dir, 4, nil, true)
	require.NoError(t, err)
	defer w.Close()

	blob := []byte("bytes that will not match the advertised hash")
	received := time.Now()
	require.NoError(t, w.Submit(Job{MAC: jobMAC(0xCD), Blob: blob, HashAdvert: "deadbeef", ReceivedAt: received}))

	wantPath := filepath.Join(dir, FormatFilename(jobMAC(0xCD), received))
	waitFor(t, func() bool {
		_, err := os.Stat(wantPath)
		return err == nil
	})
	got, err := os.ReadFile(wantPath)
	require.NoError(t, err)
	require.Equal(t, blob, got, "a hash mismatch must still persist the image")
}

func TestWriter_HashMatchVerifies(t *testing.T) {
	dir := t.TempDir()
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w, err := New(context.Background(), dir, 4, logger, true)
	require.NoError(t, err)
	defer w.Close()

	blob := []byte("verified bytes")
	sum := sha256.Sum256(blob)
	digest := hex.EncodeToString(sum[:])
	received := time.Now()
	require.NoError(t, w.Submit(Job{MAC: jobMAC(0xEF), Blob: blob, HashAdvert: digest, ReceivedAt: received}))

	wantPath := filepath.Join(dir, FormatFilename(jobMAC(0xEF), received))
	waitFor(t, func() bool {
		_, err := os.Stat(wantPath)
		return err == nil
	})

	// Close waits for the in-flight write, including its hash check.
	w.Close()
	require.Contains(t, logBuf.String(), "hash_verified")
	require.NotContains(t, logBuf.String(), "hash_mismatch")
}

func TestFormatFilename_IsStablePerInput(t *testing.T) {
	m := jobMAC(0x01)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 678000000, time.UTC)
	name := FormatFilename(m, ts)
	require.Equal(t, "010101010101_20260102_030405_678000.jpg", name)
}
