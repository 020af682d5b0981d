package frame

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/jkoss/jpeg-receiver/internal/mac"
)

// EventType distinguishes the outcome of a single Decoder.Step call.
type EventType int

const (
	// EventNeedMore means the buffer does not yet hold a complete frame;
	// the caller should append more bytes and call Step again.
	EventNeedMore EventType = iota
	// EventFrame carries a fully parsed, checksum-valid frame of a known kind.
	EventFrame
	// EventUnknownKind carries a fully parsed, checksum-valid frame whose
	// Kind is none of HASH/DATA/EOF; the frame is consumed but dropped.
	EventUnknownKind
	// EventResync means garbage bytes were discarded while searching for
	// START_MARKER (no candidate frame was in progress).
	EventResync
	// EventFrameTimeout means a candidate frame sat partially parsed for
	// longer than FRAME_TIMEOUT and was discarded.
	EventFrameTimeout
	// EventBadLength means DATA_LEN exceeded MaxPayload.
	EventBadLength
	// EventBadEndMarker means the bytes at the expected END_MARKER offset
	// did not match.
	EventBadEndMarker
	// EventBadChecksum means the CRC-32 over the header+payload did not
	// match the frame's CHECKSUM field.
	EventBadChecksum
)

// Event is the result of one Decoder.Step call.
type Event struct {
	Type           EventType
	Frame          Frame
	DiscardedBytes int
}

// Stepper is the interface the Connection Supervisor drives; both the
// canonical Decoder and internal/legacyframe.Decoder implement it, so the
// supervisor's read loop is agnostic to which wire format produced events.
type Stepper interface {
	Write(p []byte)
	Step(now time.Time) Event
}

// Decoder owns the mutable parse cursor over one connection's byte stream.
// It is not safe for concurrent use; the Supervisor drives it from a single
// goroutine, matching the single-threaded cooperative model.
type Decoder struct {
	buf          *bytes.Buffer
	frameStartAt time.Time
	frameTimeout time.Duration
}

// NewDecoder returns a Decoder with an empty buffer. frameTimeout bounds how
// long a candidate frame may sit partially parsed before being discarded
// (default 2.0s).
func NewDecoder(frameTimeout time.Duration) *Decoder {
	return &Decoder{buf: new(bytes.Buffer), frameTimeout: frameTimeout}
}

// Write appends newly arrived transport bytes to the decoder's buffer.
func (d *Decoder) Write(p []byte) {
	d.buf.Write(p)
}

// Buffered returns the number of unconsumed bytes currently held.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// dropToNextMarker discards bytes starting at searchFrom up to (but not
// including) the next START_MARKER occurrence, or clears the whole buffer if
// none remains. It returns the number of bytes discarded.
func (d *Decoder) dropToNextMarker(searchFrom int) int {
	data := d.buf.Bytes()
	if searchFrom > len(data) {
		searchFrom = len(data)
	}
	idx := bytes.Index(data[searchFrom:], StartMarker[:])
	if idx < 0 {
		n := d.buf.Len()
		d.buf.Reset()
		return n
	}
	abs := searchFrom + idx
	d.buf.Next(abs)
	return abs
}

// resyncOneByte implements the resync discipline for structural rejections:
// advance exactly one byte past the current start-marker occurrence so the
// next search cannot immediately rematch the same bytes. Guarantees forward
// progress on adversarial input.
func (d *Decoder) resyncOneByte() {
	d.buf.Next(1)
	d.frameStartAt = time.Time{}
}

// Step advances the parse state by at most one decision: it emits a frame
// event, a structural/resync event, or reports that more data is needed. It
// never blocks and never loops internally across marker boundaries.
func (d *Decoder) Step(now time.Time) Event {
	// 1. Frame-timeout check.
	if !d.frameStartAt.IsZero() && now.Sub(d.frameStartAt) > d.frameTimeout {
		discarded := d.dropToNextMarker(1)
		d.frameStartAt = time.Time{}
		return Event{Type: EventFrameTimeout, DiscardedBytes: discarded}
	}

	// 2. Locate start.
	data := d.buf.Bytes()
	idx := bytes.Index(data, StartMarker[:])
	if idx < 0 {
		keep := len(StartMarker) - 1
		if len(data) > keep {
			d.buf.Next(len(data) - keep)
		}
		return Event{Type: EventNeedMore}
	}
	if idx > 0 {
		d.buf.Next(idx)
		if d.frameStartAt.IsZero() {
			d.frameStartAt = now
		}
		return Event{Type: EventResync, DiscardedBytes: idx}
	}
	if d.frameStartAt.IsZero() {
		d.frameStartAt = now
	}

	// 3. Header.
	data = d.buf.Bytes()
	if len(data) < 4+HeaderLen {
		return Event{Type: EventNeedMore}
	}
	var macAddr mac.Addr
	copy(macAddr[:], data[4:10])
	kind := Kind(data[10])
	seq := binary.BigEndian.Uint32(data[11:15])
	dataLen := binary.BigEndian.Uint32(data[15:19])

	// 4. Validate length.
	if dataLen > MaxPayload {
		d.resyncOneByte()
		return Event{Type: EventBadLength, DiscardedBytes: 1}
	}

	total := 4 + HeaderLen + int(dataLen) + TrailerLen

	// 5. Full frame.
	if len(data) < total {
		return Event{Type: EventNeedMore}
	}

	payload := make([]byte, dataLen)
	copy(payload, data[19:19+int(dataLen)])

	sumOff := 19 + int(dataLen)
	endOff := sumOff + 4

	// 6. Verify end marker.
	if !bytes.Equal(data[endOff:endOff+4], EndMarker[:]) {
		d.resyncOneByte()
		return Event{Type: EventBadEndMarker, DiscardedBytes: 1}
	}

	// Checksum (resolved open question: CRC-32, enforced).
	sum := binary.BigEndian.Uint32(data[sumOff : sumOff+4])
	if want := Checksum(macAddr, kind, seq, payload); sum != want {
		d.resyncOneByte()
		return Event{Type: EventBadChecksum, DiscardedBytes: 1}
	}

	// 7. Emit.
	d.buf.Next(total)
	d.frameStartAt = time.Time{}

	fr := Frame{Kind: kind, MAC: macAddr, Sequence: seq, Payload: payload}
	if kind != KindHash && kind != KindData && kind != KindEOF {
		return Event{Type: EventUnknownKind, Frame: fr}
	}
	return Event{Type: EventFrame, Frame: fr}
}
