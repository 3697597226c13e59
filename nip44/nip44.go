// Package nip44 implements the NIP-44 v2 conversation-key derivation:
// secp256k1 ECDH over the raw X coordinate followed by
// HKDF-Extract(SHA-256) with the fixed salt "nip44-v2".
//
// Encryption and decryption of message bodies are out of scope; the
// conversation key feeds an external encrypted-DM layer.
package nip44

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidPrivateKey means the sender secret is zero or not a
	// valid secp256k1 scalar.
	ErrInvalidPrivateKey = errors.New("nip44: invalid private key")

	// ErrInvalidPublicKey means no point on the curve has the given
	// x-only coordinate for either Y parity.
	ErrInvalidPublicKey = errors.New("nip44: invalid public key")
)

var salt = []byte("nip44-v2")

// ConversationKey derives the shared conversation key between the
// holder of senderSK and the owner of receiverPK (x-only).
//
// The x-only pubkey is lifted assuming even Y first, then odd Y.
// The ECDH output is the raw 32-byte X coordinate, which becomes the
// IKM for HKDF-Extract. The key is symmetric in the two parties.
func ConversationKey(senderSK, receiverPK [32]byte) ([32]byte, error) {
	var convKey [32]byte

	var scalar btcec.ModNScalar
	overflow := scalar.SetBytes(&senderSK)
	if overflow != 0 || scalar.IsZero() {
		return convKey, ErrInvalidPrivateKey
	}
	defer scalar.Zero()

	pub, err := liftX(receiverPK)
	if err != nil {
		return convKey, err
	}

	var point, shared btcec.JacobianPoint
	pub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&scalar, &point, &shared)
	shared.ToAffine()

	var x [32]byte
	shared.X.PutBytes(&x)
	defer zeroize(x[:])

	prk := hkdf.Extract(sha256.New, x[:], salt)
	copy(convKey[:], prk)
	zeroize(prk)
	return convKey, nil
}

// liftX parses an x-only coordinate as a compressed public key, trying
// the even-Y prefix first and the odd-Y prefix second.
func liftX(xonly [32]byte) (*btcec.PublicKey, error) {
	comp := make([]byte, 33)
	comp[0] = 0x02
	copy(comp[1:], xonly[:])
	pub, err := btcec.ParsePubKey(comp)
	if err == nil {
		return pub, nil
	}
	comp[0] = 0x03
	pub, err = btcec.ParsePubKey(comp)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
