package chronodb

import (
	"bytes"
	"encoding/binary"
)

// timestampWidth is the fixed width, in bytes, of an encoded timestamp.
// Big-endian unsigned encoding of a fixed-width integer preserves
// numeric order under lexicographic byte comparison.
const timestampWidth = 8

// separator delimits keyspace, key, and timestamp inside an encoded
// temporal key. Keyspaces and keys must not contain it (see
// ValidateKeyspace/ValidateKey).
const separator = byte(0)

// TemporalKey is the decoded form of an encoded (keyspace, key,
// timestamp) triple.
type TemporalKey struct {
	Keyspace  string
	Key       string
	Timestamp uint64
}

// EncodeTemporalKey produces the order-preserving wire form
// keyspace ‖ 0x00 ‖ key ‖ 0x00 ‖ bigEndianFixedWidth(t).
//
// Lexicographic comparison of two encoded keys equals tuple comparison
// of (keyspace, key, t), which is what lets an ordinary ordered-KV
// range scan answer point-in-time queries without deserializing values.
func EncodeTemporalKey(keyspace, key string, t uint64) []byte {
	buf := make([]byte, 0, len(keyspace)+1+len(key)+1+timestampWidth)
	buf = append(buf, keyspace...)
	buf = append(buf, separator)
	buf = append(buf, key...)
	buf = append(buf, separator)
	var tbuf [timestampWidth]byte
	binary.BigEndian.PutUint64(tbuf[:], t)
	buf = append(buf, tbuf[:]...)
	return buf
}

// DecodeTemporalKey recovers the (keyspace, key, timestamp) triple from
// its encoded wire form. It fails with ErrInvalidEncoding if the
// separator count or trailing timestamp width is wrong.
func DecodeTemporalKey(enc []byte) (TemporalKey, error) {
	if len(enc) < timestampWidth+2 {
		return TemporalKey{}, ErrInvalidEncoding
	}
	tsStart := len(enc) - timestampWidth
	if enc[tsStart-1] != separator {
		return TemporalKey{}, ErrInvalidEncoding
	}
	body := enc[:tsStart-1]

	firstSep := bytes.IndexByte(body, separator)
	if firstSep < 0 {
		return TemporalKey{}, ErrInvalidEncoding
	}
	if bytes.IndexByte(body[firstSep+1:], separator) >= 0 {
		return TemporalKey{}, ErrInvalidEncoding
	}

	keyspace := string(body[:firstSep])
	key := string(body[firstSep+1:])
	t := binary.BigEndian.Uint64(enc[tsStart:])

	return TemporalKey{Keyspace: keyspace, Key: key, Timestamp: t}, nil
}

// upperBoundKey returns the encoded key for (keyspace, key) at timestamp
// t. Every encoded key for that pair up to and including t sorts at or
// below it, so it serves as the inclusive-hi bound of a floor/range scan.
func upperBoundKey(keyspace, key string, t uint64) []byte {
	return EncodeTemporalKey(keyspace, key, t)
}

// prefixLowKey returns the smallest possible encoded key for
// (keyspace, key), i.e. timestamp 0.
func prefixLowKey(keyspace, key string) []byte {
	return EncodeTemporalKey(keyspace, key, 0)
}

// sameLogicalKey reports whether an encoded temporal key belongs to the
// same (keyspace, key) pair, used after a floor lookup to check the
// predecessor actually addresses the requested logical key.
func sameLogicalKey(tk TemporalKey, keyspace, key string) bool {
	return tk.Keyspace == keyspace && tk.Key == key
}
