// Package frame implements the wire envelope shared by every sender: a fixed
// start/end marker, a MAC/kind/sequence/length header, and a checksummed
// payload of up to MAX_PAYLOAD bytes. Codec holds the stateless wire-format
// rules; Decoder (decoder.go) owns the mutable parse cursor over one
// connection's byte buffer.
package frame

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/jkoss/jpeg-receiver/internal/mac"
)

// Kind identifies the purpose of a frame's payload.
type Kind byte

const (
	KindHash Kind = 1
	KindData Kind = 2
	KindEOF  Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindHash:
		return "HASH"
	case KindData:
		return "DATA"
	case KindEOF:
		return "EOF"
	default:
		return "UNKNOWN"
	}
}

// Wire format constants, big-endian throughout.
var (
	StartMarker = [4]byte{0xFA, 0xCE, 0xAA, 0xBB}
	EndMarker   = [4]byte{0xCD, 0xEF, 0x56, 0x78}
)

const (
	// MaxPayload bounds DATA_LEN.
	MaxPayload = 512

	// HeaderLen is the number of bytes following START_MARKER up to and
	// including DATA_LEN: MAC(6) + KIND(1) + SEQUENCE(4) + DATA_LEN(4).
	HeaderLen = 6 + 1 + 4 + 4

	// TrailerLen is CHECKSUM(4) + END_MARKER(4).
	TrailerLen = 4 + 4
)

// Frame is a parsed envelope.
type Frame struct {
	Kind     Kind
	MAC      mac.Addr
	Sequence uint32
	Payload  []byte
}

// Codec is stateless and safe for concurrent use; it only knows the wire
// format's constant shape, not any in-flight parse state.
type Codec struct{}

// Checksum computes the CRC-32 (IEEE) the decoder enforces over
// MAC||KIND||SEQUENCE||DATA_LEN||PAYLOAD.
func Checksum(macAddr mac.Addr, kind Kind, seq uint32, payload []byte) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write(macAddr[:])
	_, _ = h.Write([]byte{byte(kind)})
	var seqBuf, lenBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seq)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	_, _ = h.Write(seqBuf[:])
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write(payload)
	return h.Sum32()
}

// Encode renders a Frame to its wire representation. Used by tests and by
// any sender-side tooling exercising round-trip properties.
func (Codec) Encode(f Frame) []byte {
	total := 4 + HeaderLen + len(f.Payload) + TrailerLen
	out := make([]byte, 0, total)
	out = append(out, StartMarker[:]...)
	out = append(out, f.MAC[:]...)
	out = append(out, byte(f.Kind))
	var seqBuf, lenBuf, sumBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], f.Sequence)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Payload)))
	out = append(out, seqBuf[:]...)
	out = append(out, lenBuf[:]...)
	out = append(out, f.Payload...)
	sum := Checksum(f.MAC, f.Kind, f.Sequence, f.Payload)
	binary.BigEndian.PutUint32(sumBuf[:], sum)
	out = append(out, sumBuf[:]...)
	out = append(out, EndMarker[:]...)
	return out
}
