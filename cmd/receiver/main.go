package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jkoss/jpeg-receiver/internal/metrics"
	"github.com/jkoss/jpeg-receiver/internal/sink"
	"github.com/jkoss/jpeg-receiver/internal/supervisor"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, mdns.go, metrics_logger.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("jpeg-receiver %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	sinkWriter, err := sink.New(ctx, cfg.outputDir, cfg.sinkQueueSize, l, cfg.verifyHash)
	if err != nil {
		l.Error("sink_init_error", "error", err)
		os.Exit(1)
	}
	defer sinkWriter.Close()

	supCfg := supervisor.Config{
		Device:            cfg.serialDev,
		Baud:              cfg.baud,
		SerialReadTimeout: cfg.serialReadTO,
		ReadBufSize:       cfg.readBufSize,
		FrameTimeout:      cfg.frameTimeout,
		ImageTimeout:      cfg.imageTimeout,
		RetryDelay:        cfg.retryDelay,
		VerifyHash:        cfg.verifyHash,
		LegacyFraming:     cfg.legacyFraming,
	}
	sup := supervisor.New(supCfg, sinkWriter, l)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()

	metrics.SetReadinessFunc(sup.Ready)
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	cleanupMDNS, err := startMDNS(ctx, cfg)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
	} else {
		defer cleanupMDNS()
		if cfg.mdnsEnable {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName)
		}
	}

	l.Info("receiver_started", "device", cfg.serialDev, "baud", cfg.baud, "output", cfg.outputDir, "legacy_framing", cfg.legacyFraming)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	wg.Wait()
}
