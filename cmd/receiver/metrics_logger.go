package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkoss/jpeg-receiver/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames", snap.Frames,
					"errors", snap.Errors,
					"evictions", snap.Evictions,
					"images", snap.Images,
					"image_bytes", snap.ImageBytes,
					"sink_drops", snap.SinkDrops,
					"hash_mismatch", snap.HashMismatch,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
