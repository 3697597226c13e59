package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeBolt11Msat(t *testing.T) {
	cases := []struct {
		invoice string
		want    uint64
	}{
		{"lnbc10u1pfake", 1_000_000},            // 10 microbitcoin
		{"lnbc2500u1pfake", 250_000_000},        // 2500 microbitcoin
		{"lnbc1500n1pfake", 150_000},            // 1500 nanobitcoin, digits contain a 1
		{"lnbc25m1pfake", 2_500_000_000},        // 25 millibitcoin
		{"lnbc10p1pfake", 1},                    // 10 picobitcoin
		{"lnbc21pfake", 200_000_000_000},        // 2 bitcoin, no multiplier
		{"LNBC10U1PFAKE", 1_000_000},            // case-insensitive
		{"lnbc1pfake", 0},                       // amountless invoice
		{"lntb10u1pfake", 0},                    // testnet prefix unsupported
		{"lnbcxyz1pfake", 0},                    // non-numeric amount
		{"", 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, decodeBolt11Msat(tc.invoice), "invoice %q", tc.invoice)
	}
}

func TestNoteKeyEncoding(t *testing.T) {
	require.Equal(t, uint64(0x0102030405060708), decodeNoteKey(encodeNoteKey(0x0102030405060708)))
	require.Zero(t, decodeNoteKey(nil))
}

func TestDescTimestampOrdering(t *testing.T) {
	for _, ts := range []int64{-1 << 62, -1, 0, 1, 1700000000, 1 << 62} {
		require.Equal(t, ts, decodeDescTimestamp(encodeDescTimestamp(ts)), "ts %d", ts)
	}
	// Lexicographic order of the encoding reverses numeric order.
	newer := encodeDescTimestamp(1700000001)
	older := encodeDescTimestamp(1700000000)
	require.Equal(t, -1, compareBytes(newer, older))
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func TestIndexableTagValue(t *testing.T) {
	require.True(t, indexableTagValue("golang"))
	require.False(t, indexableTagValue(""))
	require.False(t, indexableTagValue("has\x00nul"))
	require.False(t, indexableTagValue(string(make([]byte, maxIndexedTagValue+1))))
	require.True(t, singleLetterTagName("e"))
	require.True(t, singleLetterTagName("P"))
	require.False(t, singleLetterTagName("expiration"))
	require.False(t, singleLetterTagName("#"))
}

func TestNoteFrameRoundTrip(t *testing.T) {
	small := []byte(`{"kind":1}`)
	out, err := unframeNote(frameNote(small))
	require.NoError(t, err)
	require.Equal(t, small, out)

	big := make([]byte, compressThreshold*3)
	for i := range big {
		big[i] = byte('a' + i%4)
	}
	framed := frameNote(big)
	require.Equal(t, frameZstd, framed[0])
	require.Less(t, len(framed), len(big))
	out, err = unframeNote(framed)
	require.NoError(t, err)
	require.Equal(t, big, out)

	_, err = unframeNote(nil)
	require.Error(t, err)
	_, err = unframeNote([]byte{0xff, 0x01})
	require.Error(t, err)
}
