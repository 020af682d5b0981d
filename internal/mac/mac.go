// Package mac implements the 6-byte sender address used to demultiplex
// frames from different embedded senders sharing one serial transport.
package mac

import (
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a sender address.
const Size = 6

// Addr is a 6-byte link-layer identifier of an embedded sender.
type Addr [Size]byte

// FromBytes copies b into an Addr. b must be exactly Size bytes long.
func FromBytes(b []byte) (Addr, error) {
	var a Addr
	if len(b) != Size {
		return a, fmt.Errorf("mac: want %d bytes, got %d", Size, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// String renders the canonical text form: lowercase hex octets joined by colons.
func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// PathForm renders the canonical path form: the six octets with no separator,
// suitable for use as a filename prefix.
func (a Addr) PathForm() string {
	return hex.EncodeToString(a[:])
}
