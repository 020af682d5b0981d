package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	outputDir       string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	frameTimeout    time.Duration
	imageTimeout    time.Duration
	retryDelay      time.Duration
	readBufSize     int
	sinkQueueSize   int
	verifyHash      bool
	legacyFraming   bool
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialDev := flag.String("p", "/dev/ttyACM0", "Serial device path (alias: -port)")
	flag.StringVar(serialDev, "port", *serialDev, "Serial device path")
	baud := flag.Int("b", 115200, "Serial baud rate (alias: -baud)")
	flag.IntVar(baud, "baud", *baud, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	outputDir := flag.String("output", "./images", "Directory images are written to")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", ":9100", "Metrics HTTP listen address; empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 30*time.Second, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	frameTimeout := flag.Duration("frame-timeout", 2*time.Second, "Max time a partially parsed frame may sit before being discarded")
	imageTimeout := flag.Duration("image-timeout", 20*time.Second, "Max time a partial image may sit without new DATA before eviction")
	retryDelay := flag.Duration("retry-delay", 5*time.Second, "Delay between transport reconnect attempts")
	readBufSize := flag.Int("read-buffer", 4096, "Per-Read() byte buffer size")
	sinkQueueSize := flag.Int("sink-queue", 16, "Max completed images buffered ahead of disk before new ones are dropped")
	verifyHash := flag.Bool("verify-hash", true, "Compute SHA-256 over each finalized image and log a mismatch against the advertised HASH (never rejects the image)")
	legacyFraming := flag.Bool("legacy-framing", false, "Decode the earlier two-byte-marker sender protocol instead of the canonical framing")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default jpeg-receiver-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.outputDir = *outputDir
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.frameTimeout = *frameTimeout
	cfg.imageTimeout = *imageTimeout
	cfg.retryDelay = *retryDelay
	cfg.readBufSize = *readBufSize
	cfg.sinkQueueSize = *sinkQueueSize
	cfg.verifyHash = *verifyHash
	cfg.legacyFraming = *legacyFraming
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration. It
// does not attempt to open devices or create directories — only checks
// values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.frameTimeout <= 0 {
		return fmt.Errorf("frame-timeout must be > 0")
	}
	if c.imageTimeout <= 0 {
		return fmt.Errorf("image-timeout must be > 0")
	}
	if c.retryDelay <= 0 {
		return fmt.Errorf("retry-delay must be > 0")
	}
	if c.readBufSize <= 0 {
		return fmt.Errorf("read-buffer must be > 0 (got %d)", c.readBufSize)
	}
	if c.sinkQueueSize <= 0 {
		return fmt.Errorf("sink-queue must be > 0 (got %d)", c.sinkQueueSize)
	}
	if strings.TrimSpace(c.outputDir) == "" {
		return errors.New("output directory must not be empty")
	}
	if strings.TrimSpace(c.serialDev) == "" {
		return errors.New("serial device path must not be empty")
	}
	return nil
}

// applyEnvOverrides maps RECEIVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Flag wins over env. Some
// fields bind two flag names (e.g. "p"/"port"); flagNames lists every alias
// so that typing either one suppresses the env override, since flag.Visit
// only reports the alias the user actually typed.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	anySet := func(flagNames []string) bool {
		for _, name := range flagNames {
			if _, ok := set[name]; ok {
				return true
			}
		}
		return false
	}

	setStr := func(flagNames []string, envName string, dst *string) {
		if anySet(flagNames) {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			*dst = v
		}
	}
	setBool := func(flagNames []string, envName string, dst *bool) {
		if anySet(flagNames) {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}
	setInt := func(flagNames []string, envName string, dst *int, allowZero bool) {
		if anySet(flagNames) {
			return
		}
		v, ok := get(envName)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
			return
		}
		if n > 0 || (allowZero && n == 0) {
			*dst = n
		}
	}
	setDuration := func(flagNames []string, envName string, dst *time.Duration) {
		if anySet(flagNames) {
			return
		}
		v, ok := get(envName)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
			return
		}
		if d > 0 {
			*dst = d
		}
	}

	setStr([]string{"p", "port"}, "RECEIVER_PORT", &c.serialDev)
	setInt([]string{"b", "baud"}, "RECEIVER_BAUD", &c.baud, false)
	setDuration([]string{"serial-read-timeout"}, "RECEIVER_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	setStr([]string{"output"}, "RECEIVER_OUTPUT", &c.outputDir)
	setStr([]string{"log-format"}, "RECEIVER_LOG_FORMAT", &c.logFormat)
	setStr([]string{"log-level"}, "RECEIVER_LOG_LEVEL", &c.logLevel)
	setStr([]string{"metrics-addr"}, "RECEIVER_METRICS_ADDR", &c.metricsAddr)
	setDuration([]string{"log-metrics-interval"}, "RECEIVER_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	setDuration([]string{"frame-timeout"}, "RECEIVER_FRAME_TIMEOUT", &c.frameTimeout)
	setDuration([]string{"image-timeout"}, "RECEIVER_IMAGE_TIMEOUT", &c.imageTimeout)
	setDuration([]string{"retry-delay"}, "RECEIVER_RETRY_DELAY", &c.retryDelay)
	setInt([]string{"read-buffer"}, "RECEIVER_READ_BUFFER", &c.readBufSize, false)
	setInt([]string{"sink-queue"}, "RECEIVER_SINK_QUEUE", &c.sinkQueueSize, false)
	setBool([]string{"verify-hash"}, "RECEIVER_VERIFY_HASH", &c.verifyHash)
	setBool([]string{"legacy-framing"}, "RECEIVER_LEGACY_FRAMING", &c.legacyFraming)
	setBool([]string{"mdns-enable"}, "RECEIVER_MDNS_ENABLE", &c.mdnsEnable)
	setStr([]string{"mdns-name"}, "RECEIVER_MDNS_NAME", &c.mdnsName)

	return firstErr
}
