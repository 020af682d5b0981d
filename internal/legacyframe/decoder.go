// Package legacyframe implements the optional compatibility decoder for an
// earlier two-byte-marker sender protocol: no frame-kind or sequence fields,
// and payload meaning is carried by an ASCII sentinel prefix instead of a
// KIND byte. It is selected by the -legacy-framing flag and is otherwise
// dormant; the canonical four-byte-marker frame.Decoder is the default.
//
// Wire format: START(0xAA 0xAA) LEN(uint16 big-endian) PAYLOAD(LEN bytes)
// END(0xBB 0xBB). Since the legacy sender never identifies itself, every
// frame this decoder emits is attributed to LegacyMAC so it still fits the
// per-sender Reassembly Table without a protocol-specific code path there.
package legacyframe

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/jkoss/jpeg-receiver/internal/frame"
	"github.com/jkoss/jpeg-receiver/internal/mac"
)

// LegacyMAC is the fixed pseudo-address assigned to every frame a legacy
// decoder emits, since the wire format carries no sender identity.
var LegacyMAC = mac.Addr{}

var (
	startMarker = [2]byte{0xAA, 0xAA}
	endMarker   = [2]byte{0xBB, 0xBB}
)

const (
	headerLen = 2 // LEN
	trailer   = 2 // END marker

	hashSentinel = "HASH:"
	eofSentinel  = "EOF!"
)

// Decoder parses the legacy envelope and re-expresses it as frame.Event
// values so the Connection Supervisor can treat it identically to the
// canonical decoder.
type Decoder struct {
	buf          *bytes.Buffer
	frameStartAt time.Time
	frameTimeout time.Duration
}

// NewDecoder returns a Decoder using the same FRAME_TIMEOUT discipline as the
// canonical codec.
func NewDecoder(frameTimeout time.Duration) *Decoder {
	return &Decoder{buf: new(bytes.Buffer), frameTimeout: frameTimeout}
}

// Write appends newly arrived transport bytes.
func (d *Decoder) Write(p []byte) { d.buf.Write(p) }

// Buffered reports unconsumed byte count.
func (d *Decoder) Buffered() int { return d.buf.Len() }

func (d *Decoder) dropToNextMarker(searchFrom int) int {
	data := d.buf.Bytes()
	if searchFrom > len(data) {
		searchFrom = len(data)
	}
	idx := bytes.Index(data[searchFrom:], startMarker[:])
	if idx < 0 {
		n := d.buf.Len()
		d.buf.Reset()
		return n
	}
	abs := searchFrom + idx
	d.buf.Next(abs)
	return abs
}

func (d *Decoder) resyncOneByte() {
	d.buf.Next(1)
	d.frameStartAt = time.Time{}
}

// Step advances the legacy parse cursor by at most one decision, mirroring
// frame.Decoder.Step's discipline: structural rejections advance exactly one
// byte; a clean marker search discards the whole garbage prefix.
func (d *Decoder) Step(now time.Time) frame.Event {
	if !d.frameStartAt.IsZero() && now.Sub(d.frameStartAt) > d.frameTimeout {
		discarded := d.dropToNextMarker(1)
		d.frameStartAt = time.Time{}
		return frame.Event{Type: frame.EventFrameTimeout, DiscardedBytes: discarded}
	}

	data := d.buf.Bytes()
	idx := bytes.Index(data, startMarker[:])
	if idx < 0 {
		keep := len(startMarker) - 1
		if len(data) > keep {
			d.buf.Next(len(data) - keep)
		}
		return frame.Event{Type: frame.EventNeedMore}
	}
	if idx > 0 {
		d.buf.Next(idx)
		if d.frameStartAt.IsZero() {
			d.frameStartAt = now
		}
		return frame.Event{Type: frame.EventResync, DiscardedBytes: idx}
	}
	if d.frameStartAt.IsZero() {
		d.frameStartAt = now
	}

	data = d.buf.Bytes()
	if len(data) < len(startMarker)+headerLen {
		return frame.Event{Type: frame.EventNeedMore}
	}
	dataLen := binary.BigEndian.Uint16(data[2:4])
	if int(dataLen) > frame.MaxPayload {
		d.resyncOneByte()
		return frame.Event{Type: frame.EventBadLength, DiscardedBytes: 1}
	}

	total := len(startMarker) + headerLen + int(dataLen) + trailer
	if len(data) < total {
		return frame.Event{Type: frame.EventNeedMore}
	}

	payload := make([]byte, dataLen)
	copy(payload, data[4:4+int(dataLen)])
	endOff := 4 + int(dataLen)
	if !bytes.Equal(data[endOff:endOff+2], endMarker[:]) {
		d.resyncOneByte()
		return frame.Event{Type: frame.EventBadEndMarker, DiscardedBytes: 1}
	}

	d.buf.Next(total)
	d.frameStartAt = time.Time{}

	return classify(payload)
}

// classify maps a legacy payload to the canonical Frame/Kind shape by
// inspecting its ASCII sentinel prefix, since this protocol carries no KIND
// byte.
func classify(payload []byte) frame.Event {
	switch {
	case bytes.HasPrefix(payload, []byte(hashSentinel)):
		text := payload[len(hashSentinel):]
		return frame.Event{Type: frame.EventFrame, Frame: frame.Frame{
			Kind:    frame.KindHash,
			MAC:     LegacyMAC,
			Payload: text,
		}}
	case bytes.HasPrefix(payload, []byte(eofSentinel)):
		return frame.Event{Type: frame.EventFrame, Frame: frame.Frame{
			Kind: frame.KindEOF,
			MAC:  LegacyMAC,
		}}
	default:
		return frame.Event{Type: frame.EventFrame, Frame: frame.Frame{
			Kind:    frame.KindData,
			MAC:     LegacyMAC,
			Payload: payload,
		}}
	}
}
