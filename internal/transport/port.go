// Package transport wraps the byte-oriented serial transport (tarm/serial)
// behind a small interface so the Connection Supervisor is testable without a
// real device, and funnels asynchronous handlers (the Sink writer) through a
// single goroutine via AsyncWorker.
package transport

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// dtrSetter is implemented by ports that support asserting DTR. tarm/serial's
// concrete *serial.Port does not expose this on all platforms, so callers
// must type-assert and treat failure as non-fatal: DTR assertion errors are
// ignored and never block the connection attempt.
type dtrSetter interface {
	SetDTR(v bool) error
}

// Open opens the named serial device at baud with the given read timeout and
// asserts DTR. Errors asserting DTR are swallowed; callers that want to
// observe them should not rely on this helper.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	if d, ok := any(p).(dtrSetter); ok {
		_ = d.SetDTR(true)
	}
	return p, nil
}
