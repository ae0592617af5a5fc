package p2p

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lengthPrefixed(t *testing.T, payload string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(len(payload))))
	buf.WriteString(payload)
	return &buf
}

func TestReadLengthPrefixedWithLimit(t *testing.T) {
	got, err := readLengthPrefixedWithLimit(lengthPrefixed(t, "abcd"), 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))

	_, err = readLengthPrefixedWithLimit(lengthPrefixed(t, "abcde"), 4)
	assert.ErrorContains(t, err, "message too large: 5 > 4")
}

func TestReadMessageWithLimit_UsesTypeSpecificCap(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(SyncMsgBlocks)
	buf.Write(lengthPrefixed(t, "123456").Bytes())

	var seen byte
	_, _, err := readMessageWithLimit(&buf, func(msgType byte) (uint32, error) {
		seen = msgType
		return 4, nil
	})
	assert.Equal(t, SyncMsgBlocks, seen)
	assert.ErrorContains(t, err, "message too large: 6 > 4")
}

func TestWriteMessage_RoundTripsThroughReader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, SyncMsgStatus, []byte(`{"height":7}`)))

	msgType, data, err := readMessageWithLimit(&buf, syncMessageMaxSize)
	require.NoError(t, err)
	assert.Equal(t, SyncMsgStatus, msgType)
	assert.JSONEq(t, `{"height":7}`, string(data))
}

func TestTrimByteSliceBatch(t *testing.T) {
	items := [][]byte{[]byte("aa"), []byte("bbb"), []byte("cccc")}

	cases := []struct {
		name     string
		maxItems int
		budget   int
		want     int
	}{
		{"item cap then byte cap", 2, 4, 1},
		{"everything fits", 3, 9, 3},
		{"item cap only", 2, 100, 2},
		{"zero budget", 3, 0, 0},
		{"negative item cap", -1, 100, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Len(t, trimByteSliceBatch(items, tc.maxItems, tc.budget), tc.want)
		})
	}
	assert.Equal(t, "aa", string(trimByteSliceBatch(items, 2, 4)[0]))
}

func TestEnsureJSONArrayMaxItems(t *testing.T) {
	assert.NoError(t, ensureJSONArrayMaxItems([]byte(`["a","b"]`), 2))
	assert.NoError(t, ensureJSONArrayMaxItems([]byte(`[]`), 0))
	assert.ErrorContains(t, ensureJSONArrayMaxItems([]byte(`["a","b","c"]`), 2), "array contains 3 items (max 2)")
	assert.ErrorContains(t, ensureJSONArrayMaxItems([]byte(`{"a":1}`), 2), "expected JSON array")
}
