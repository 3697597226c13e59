package nip44

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

func xonly(pub *btcec.PublicKey) [32]byte {
	var out [32]byte
	copy(out[:], pub.SerializeCompressed()[1:])
	return out
}

func secret(priv *btcec.PrivateKey) [32]byte {
	var out [32]byte
	copy(out[:], priv.Serialize())
	return out
}

func TestConversationKeySymmetry(t *testing.T) {
	for i := 0; i < 8; i++ {
		a, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		b, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		ab, err := ConversationKey(secret(a), xonly(b.PubKey()))
		require.NoError(t, err)
		ba, err := ConversationKey(secret(b), xonly(a.PubKey()))
		require.NoError(t, err)
		require.Equal(t, ab, ba)
		require.False(t, ab == [32]byte{})
	}
}

func TestConversationKeyMatchesExtract(t *testing.T) {
	// Independently recompute the PRK from the raw shared X.
	a, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	b, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var point, shared btcec.JacobianPoint
	b.PubKey().AsJacobian(&point)
	btcec.ScalarMultNonConst(&a.Key, &point, &shared)
	shared.ToAffine()
	var x [32]byte
	shared.X.PutBytes(&x)
	want := hkdf.Extract(sha256.New, x[:], []byte("nip44-v2"))

	got, err := ConversationKey(secret(a), xonly(b.PubKey()))
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got[:]))
}

func TestConversationKeyFixedScalars(t *testing.T) {
	var skA, pkB [32]byte
	for i := range skA {
		skA[i] = 0x01
		pkB[i] = 0x02
	}

	// pkB must lift to a curve point for one of the two parities for
	// the derivation to proceed at all.
	key1, err := ConversationKey(skA, pkB)
	require.NoError(t, err)

	// deterministic
	key2, err := ConversationKey(skA, pkB)
	require.NoError(t, err)
	require.Equal(t, key1, key2)
}

func TestConversationKeyInvalidInputs(t *testing.T) {
	valid, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pk := xonly(valid.PubKey())

	// zero scalar
	_, err = ConversationKey([32]byte{}, pk)
	require.ErrorIs(t, err, ErrInvalidPrivateKey)

	// scalar >= group order
	var overflow [32]byte
	for i := range overflow {
		overflow[i] = 0xFF
	}
	_, err = ConversationKey(overflow, pk)
	require.ErrorIs(t, err, ErrInvalidPrivateKey)

	// x coordinate with no curve point for either parity
	_, err = ConversationKey(secret(valid), overflow)
	require.ErrorIs(t, err, ErrInvalidPublicKey)
}
