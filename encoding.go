package mqttsession

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong      = errors.New("string exceeds maximum length of 65535 bytes")
	ErrBinaryTooLong      = errors.New("binary data exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8        = errors.New("invalid UTF-8 string")
	ErrStringContainsNull = errors.New("string contains null character")
	ErrVarintTooLarge     = errors.New("variable byte integer exceeds maximum value")
	ErrVarintMalformed    = errors.New("malformed variable byte integer")
)

const (
	maxUint16 = 65535

	// maxVarint is the largest remaining length four bytes can carry.
	maxVarint      = 268435455
	maxVarintBytes = 4
)

// checkString applies the MQTT string rules: well-formed UTF-8 with no U+0000.
func checkString(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	if strings.IndexByte(s, 0) >= 0 {
		return ErrStringContainsNull
	}
	return nil
}

// writePrefixed writes a two byte length followed by data in one Write.
func writePrefixed(w io.Writer, data []byte) (int, error) {
	buf := make([]byte, 2, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	return w.Write(append(buf, data...))
}

// encodeString writes a length-prefixed UTF-8 string.
func encodeString(w io.Writer, s string) (int, error) {
	if len(s) > maxUint16 {
		return 0, ErrStringTooLong
	}
	if err := checkString(s); err != nil {
		return 0, err
	}
	return writePrefixed(w, []byte(s))
}

// decodeString reads a length-prefixed UTF-8 string.
func decodeString(r io.Reader) (string, int, error) {
	raw, n, err := decodeBinary(r)
	if err != nil {
		return "", n, err
	}
	if !utf8.Valid(raw) {
		return "", n, ErrInvalidUTF8
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return "", n, ErrStringContainsNull
	}
	return string(raw), n, nil
}

// encodeBinary writes length-prefixed binary data.
func encodeBinary(w io.Writer, data []byte) (int, error) {
	if len(data) > maxUint16 {
		return 0, ErrBinaryTooLong
	}
	return writePrefixed(w, data)
}

// decodeBinary reads length-prefixed binary data. A zero length yields nil.
func decodeBinary(r io.Reader) ([]byte, int, error) {
	length, n, err := decodeUint16(r)
	if err != nil || length == 0 {
		return nil, n, err
	}

	data := make([]byte, length)
	m, err := io.ReadFull(r, data)
	if err != nil {
		return nil, n + m, err
	}
	return data, n + m, nil
}

func encodeUint16(w io.Writer, v uint16) (int, error) {
	return w.Write(binary.BigEndian.AppendUint16(nil, v))
}

func decodeUint16(r io.Reader) (uint16, int, error) {
	var buf [2]byte
	if n, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint16(buf[:]), 2, nil
}

// appendVarint appends value as a variable byte integer: seven bits per
// byte, least significant group first, high bit set on all but the last.
func appendVarint(dst []byte, value uint32) ([]byte, error) {
	if value > maxVarint {
		return dst, ErrVarintTooLarge
	}
	for value >= 0x80 {
		dst = append(dst, byte(value)|0x80)
		value >>= 7
	}
	return append(dst, byte(value)), nil
}

// encodeVarint writes a variable byte integer.
func encodeVarint(w io.Writer, value uint32) (int, error) {
	var scratch [maxVarintBytes]byte
	buf, err := appendVarint(scratch[:0], value)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// decodeVarint reads a variable byte integer and returns it with the number
// of bytes read. A fifth continuation byte is malformed.
func decodeVarint(r io.Reader) (uint32, int, error) {
	var (
		value uint32
		b     [1]byte
	)
	for i := range maxVarintBytes {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, i, err
		}
		value |= uint32(b[0]&0x7F) << (7 * i)
		if b[0]&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, maxVarintBytes, ErrVarintMalformed
}

// parseVarint decodes a variable byte integer from the start of buf. It
// returns ErrNeedMoreData when buf ends inside the integer.
func parseVarint(buf []byte) (uint32, int, error) {
	var value uint32
	for i := range maxVarintBytes {
		if i >= len(buf) {
			return 0, 0, ErrNeedMoreData
		}
		value |= uint32(buf[i]&0x7F) << (7 * i)
		if buf[i]&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrVarintMalformed
}

// varintSize returns the encoded length of value.
func varintSize(value uint32) int {
	n := 1
	for value >= 0x80 && n < maxVarintBytes {
		value >>= 7
		n++
	}
	return n
}
