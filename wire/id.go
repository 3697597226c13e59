package wire

import (
	"encoding/hex"
	"fmt"
)

// IDSize is the size of a NIP-01 event id or public key in bytes.
const IDSize = 32

// EventID is a 32-byte content-addressed event identifier.
type EventID [IDSize]byte

// Pubkey is a 32-byte x-only secp256k1 public key.
type Pubkey [IDSize]byte

// String returns the hex-encoded representation of the id.
func (id EventID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation for display.
func (id EventID) ShortString() string {
	return hex.EncodeToString(id[:8])
}

// IsZero returns true if the id is all zeros (uninitialized).
func (id EventID) IsZero() bool {
	return id == EventID{}
}

// MarshalText implements encoding.TextMarshaler.
func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EventID) UnmarshalText(text []byte) error {
	if len(text) != IDSize*2 {
		return fmt.Errorf("invalid event id length: expected %d hex chars, got %d", IDSize*2, len(text))
	}
	_, err := hex.Decode(id[:], text)
	return err
}

// ParseEventID parses a hex-encoded event id.
func ParseEventID(s string) (EventID, error) {
	var id EventID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return EventID{}, err
	}
	return id, nil
}

// String returns the hex-encoded representation of the pubkey.
func (pk Pubkey) String() string {
	return hex.EncodeToString(pk[:])
}

// ShortString returns a shortened hex representation for display.
func (pk Pubkey) ShortString() string {
	return hex.EncodeToString(pk[:8])
}

// IsZero returns true if the pubkey is all zeros (uninitialized).
func (pk Pubkey) IsZero() bool {
	return pk == Pubkey{}
}

// MarshalText implements encoding.TextMarshaler.
func (pk Pubkey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *Pubkey) UnmarshalText(text []byte) error {
	if len(text) != IDSize*2 {
		return fmt.Errorf("invalid pubkey length: expected %d hex chars, got %d", IDSize*2, len(text))
	}
	_, err := hex.Decode(pk[:], text)
	return err
}

// ParsePubkey parses a hex-encoded x-only public key.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	if err := pk.UnmarshalText([]byte(s)); err != nil {
		return Pubkey{}, err
	}
	return pk, nil
}

// decodeHex32 decodes exactly 64 lowercase-or-uppercase hex characters
// into a 32-byte array using the shared nibble table.
func decodeHex32(src []byte, dst *[32]byte) bool {
	if len(src) != 64 {
		return false
	}
	for i := 0; i < 32; i++ {
		hi := HexVal(src[i*2])
		lo := HexVal(src[i*2+1])
		if hi < 0 || lo < 0 {
			return false
		}
		dst[i] = byte(hi)<<4 | byte(lo)
	}
	return true
}
