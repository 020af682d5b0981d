package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType advertises this receiver so viewer tooling on the LAN can
// discover it without a fixed address.
const mdnsServiceType = "_jpeg-receiver._tcp"

// startMDNS registers the service via mDNS and returns a cleanup function. It
// is safe to call even when disabled (no-op). The receiver has no TCP
// listener of its own (the serial device is the only transport); the
// advertised port carries the metrics HTTP port so operators can still find
// /metrics and /ready on the LAN.
func startMDNS(ctx context.Context, cfg *appConfig) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("jpeg-receiver-%s", host)
	}
	port := metricsPort(cfg.metricsAddr)
	meta := []string{
		"device=" + cfg.serialDev,
		"legacy_framing=" + strconvBool(cfg.legacyFraming),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

func strconvBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// metricsPort extracts the numeric port from a ":9100" or "host:9100"
// address, defaulting to 0 if unparsable (zeroconf accepts 0 as "unknown").
func metricsPort(addr string) int {
	if addr == "" {
		return 0
	}
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			if p, err := strconv.Atoi(addr[i+1:]); err == nil {
				return p
			}
			break
		}
	}
	return 0
}
