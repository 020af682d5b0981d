package frame

import (
	"bytes"
	"testing"
	"time"

	"github.com/jkoss/jpeg-receiver/internal/mac"
)

func testMAC(b byte) mac.Addr {
	var m mac.Addr
	for i := range m {
		m[i] = b
	}
	return m
}

func TestCodecEncodeRoundTrip(t *testing.T) {
	f := Frame{Kind: KindData, MAC: testMAC(0x11), Sequence: 7, Payload: []byte("hello jpeg chunk")}
	wire := Codec{}.Encode(f)

	if !bytes.HasPrefix(wire, StartMarker[:]) {
		t.Fatalf("encoded frame missing start marker: % X", wire[:4])
	}
	if !bytes.HasSuffix(wire, EndMarker[:]) {
		t.Fatalf("encoded frame missing end marker")
	}

	dec := NewDecoder(0) // frame timeout irrelevant for a single complete write
	dec.Write(wire)
	ev := dec.Step(time.Now())
	if ev.Type != EventFrame {
		t.Fatalf("expected EventFrame, got %v", ev.Type)
	}
	if ev.Frame.MAC != f.MAC || ev.Frame.Kind != f.Kind || ev.Frame.Sequence != f.Sequence {
		t.Fatalf("decoded header mismatch: %+v", ev.Frame)
	}
	if string(ev.Frame.Payload) != string(f.Payload) {
		t.Fatalf("decoded payload mismatch: got %q want %q", ev.Frame.Payload, f.Payload)
	}
}

func TestChecksumDetectsTampering(t *testing.T) {
	m := testMAC(0x22)
	sum := Checksum(m, KindData, 1, []byte("abc"))
	if sum == Checksum(m, KindData, 1, []byte("abd")) {
		t.Fatalf("checksum did not change for different payload")
	}
	if sum == Checksum(m, KindData, 2, []byte("abc")) {
		t.Fatalf("checksum did not change for different sequence")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{KindHash: "HASH", KindData: "DATA", KindEOF: "EOF", Kind(99): "UNKNOWN"}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
