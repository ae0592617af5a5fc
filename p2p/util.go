package p2p

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

const (
	// MaxMessageSize is the largest frame any protocol writes (16 MiB).
	MaxMessageSize = 16 * 1024 * 1024

	// Gossip payload caps.
	MaxBlockStreamPayloadSize = 2 * 1024 * 1024
	MaxTxStreamPayloadSize    = 64 * 1024
	MaxProofStreamPayloadSize = 8 * 1024

	// Typed protocol payload caps.
	MaxPEXMessageSize          = 512 * 1024
	MaxSyncStatusMessageSize   = 32 * 1024
	MaxSyncBlocksMessageSize   = 12 * 1024 * 1024
	MaxSyncMempoolMessageSize  = 6 * 1024 * 1024
	MaxSyncGetBlocksReqSize    = 64 * 1024
	MaxSyncGetBlocksByHeightSz = 4 * 1024
	MaxSyncGetMempoolReqSize   = 4 * 1024

	// MaxSyncMempoolTxCount matches the default mempool capacity.
	MaxSyncMempoolTxCount = 5000
)

// writeLengthPrefixed writes data with a 4-byte big-endian length prefix
func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), MaxMessageSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readLengthPrefixedWithLimit reads length-prefixed data with an explicit cap.
func readLengthPrefixedWithLimit(r io.Reader, maxSize uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeMessage writes a message type byte followed by length-prefixed data
func writeMessage(w io.Writer, msgType byte, data []byte) error {
	if _, err := w.Write([]byte{msgType}); err != nil {
		return err
	}
	return writeLengthPrefixed(w, data)
}

// readMessageWithLimit reads a type byte then a payload capped per type.
func readMessageWithLimit(r io.Reader, maxForType func(byte) (uint32, error)) (byte, []byte, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return 0, nil, err
	}
	maxSize, err := maxForType(typeBuf[0])
	if err != nil {
		return 0, nil, err
	}
	data, err := readLengthPrefixedWithLimit(r, maxSize)
	if err != nil {
		return 0, nil, err
	}
	return typeBuf[0], data, nil
}

// isExpectedStreamCloseError matches close/reset errors from peers that
// already hung up. They are not worth logging.
func isExpectedStreamCloseError(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"stream reset",
		"connection closed",
		"use of closed network connection",
		"broken pipe",
		"reset by peer",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// trimByteSliceBatch keeps a prefix of items within maxItems and byteBudget.
func trimByteSliceBatch(items [][]byte, maxItems int, byteBudget int) [][]byte {
	if maxItems < 0 {
		maxItems = 0
	}
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	if byteBudget <= 0 || len(items) == 0 {
		return nil
	}
	total, keep := 0, 0
	for _, item := range items {
		if total+len(item) > byteBudget {
			break
		}
		total += len(item)
		keep++
	}
	return items[:keep]
}

// ensureJSONArrayMaxItems rejects JSON arrays longer than maxItems without
// decoding the elements.
func ensureJSONArrayMaxItems(data []byte, maxItems int) error {
	if maxItems < 0 {
		maxItems = 0
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '['); err != nil {
		return fmt.Errorf("expected JSON array")
	}
	count := 0
	for dec.More() {
		count++
		if count > maxItems {
			return fmt.Errorf("array contains %d items (max %d)", count, maxItems)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
	}
	if err := expectDelim(dec, ']'); err != nil {
		return fmt.Errorf("malformed JSON array")
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q", want)
	}
	return nil
}
