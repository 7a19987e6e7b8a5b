// Package oer implements the Octet Encoding Rules subset used by ILPv4:
// length-prefixed variable octet strings, variable-length unsigned integers,
// and the fixed-width Interledger timestamp. It is pure: no I/O, no global
// state, no concurrency concerns.
package oer

import (
	"fmt"
	"time"
)

// MaxVarOctetStringLen is a 1 MiB upper bound for a single variable octet
// string. ParseVarOctetString does not apply it; the packet parsers apply
// their own, tighter ceilings (MaxAddressLen for destination addresses,
// MaxDataLen for data fields).
const MaxVarOctetStringLen = 1 << 20

// interledgerTimestampLayout is the Go time layout behind the 17-byte
// fixed-width ASCII timestamp used by ILPv4, YYYYMMDDHHMMSSfff (millisecond
// precision, UTC). Go needs a '.' before the fractional digits, so the
// layout is 18 characters: the encoder drops the '.' and the parser puts
// it back before parsing.
const interledgerTimestampLayout = "20060102150405.000"

// EncodeVarUint encodes v as a minimal-length big-endian unsigned integer,
// the representation OER uses inside a length-prefixed octet string.
func EncodeVarUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var buf [8]byte
	n := 0
	for v > 0 {
		buf[n] = byte(v)
		v >>= 8
		n++
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = buf[n-1-i]
	}
	return out
}

// ParseVarUint decodes a minimal-length big-endian unsigned integer.
func ParseVarUint(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("oer: empty uint field")
	}
	if len(data) > 8 {
		return 0, fmt.Errorf("oer: uint field too long (%d bytes)", len(data))
	}
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// EncodeLengthPrefix encodes an OER length header for n bytes of content:
// a single byte for n < 128, or a long-form header (0x80|lenBytes followed
// by the big-endian length) otherwise.
func EncodeLengthPrefix(n int) []byte {
	if n < 128 {
		return []byte{byte(n)}
	}
	var lenBytes []byte
	v := n
	for v > 0 {
		lenBytes = append([]byte{byte(v)}, lenBytes...)
		v >>= 8
	}
	return append([]byte{0x80 | byte(len(lenBytes))}, lenBytes...)
}

// ParseLengthPrefix parses an OER length header at the start of data,
// returning the declared content length and the number of header bytes
// consumed. Fails with a descriptive error if the header or the declared
// content would exceed the available buffer.
func ParseLengthPrefix(data []byte) (length int, headerLen int, err error) {
	if len(data) < 1 {
		return 0, 0, fmt.Errorf("oer: malformed packet: empty length header")
	}
	first := data[0]
	if first < 0x80 {
		return int(first), 1, nil
	}
	nLenBytes := int(first &^ 0x80)
	if nLenBytes == 0 || nLenBytes > 8 {
		return 0, 0, fmt.Errorf("oer: malformed packet: invalid long-form length header (%d bytes)", nLenBytes)
	}
	if len(data) < 1+nLenBytes {
		return 0, 0, fmt.Errorf("oer: malformed packet: length header truncated")
	}
	var v int
	for _, b := range data[1 : 1+nLenBytes] {
		v = v<<8 | int(b)
	}
	return v, 1 + nLenBytes, nil
}

// EncodeVarOctetString encodes data with an OER length prefix.
func EncodeVarOctetString(data []byte) []byte {
	out := EncodeLengthPrefix(len(data))
	return append(out, data...)
}

// ParseVarOctetString parses a length-prefixed octet string, returning the
// content and the total number of bytes consumed (header + content).
func ParseVarOctetString(data []byte) (content []byte, consumed int, err error) {
	length, headerLen, err := ParseLengthPrefix(data)
	if err != nil {
		return nil, 0, err
	}
	if length < 0 || headerLen+length > len(data) {
		return nil, 0, fmt.Errorf("oer: malformed packet: declared length %d exceeds remaining buffer (%d bytes)", length, len(data)-headerLen)
	}
	return data[headerLen : headerLen+length], headerLen + length, nil
}

// EncodeInterledgerTimestamp encodes t as the 17-byte fixed-width
// Interledger timestamp (millisecond precision, UTC).
func EncodeInterledgerTimestamp(t time.Time) []byte {
	s := t.UTC().Format(interledgerTimestampLayout)
	return []byte(s[:14] + s[15:])
}

// ParseInterledgerTimestamp parses a 17-byte Interledger timestamp.
func ParseInterledgerTimestamp(data []byte) (time.Time, error) {
	if len(data) != 17 {
		return time.Time{}, fmt.Errorf("oer: malformed packet: expiresAt must be 17 bytes, got %d", len(data))
	}
	t, err := time.Parse(interledgerTimestampLayout, string(data[:14])+"."+string(data[14:]))
	if err != nil {
		return time.Time{}, fmt.Errorf("oer: malformed packet: unparsable expiresAt %q: %w", data, err)
	}
	return t.UTC(), nil
}
