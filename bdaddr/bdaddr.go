// Package bdaddr implements the six-byte Bluetooth device address used to
// identify a BLE controller or peripheral.
package bdaddr

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// BDAddr stores the six bytes of a Bluetooth device address, MSB-first.
type BDAddr struct {
	b [6]byte
}

// ParseError reports why a textual address failed to parse.
type ParseError struct {
	Reason string
	Input  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bdaddr: %s: %q", e.Reason, e.Input)
}

// New builds a BDAddr from six bytes, b[0] is the MSB.
func New(b [6]byte) BDAddr {
	return BDAddr{b: b}
}

// FromSlice builds a BDAddr from a byte slice of length 6.
func FromSlice(b []byte) (BDAddr, error) {
	if len(b) != 6 {
		return BDAddr{}, &ParseError{Reason: "address must be 6 bytes", Input: hex.EncodeToString(b)}
	}
	var a BDAddr
	copy(a.b[:], b)
	return a, nil
}

// FromUint64 reconstructs a BDAddr from the u64 produced by Uint64, keeping
// MSB-first byte order (the top two bytes of the u64 are always zero).
func FromUint64(v uint64) BDAddr {
	var a BDAddr
	for i := 5; i >= 0; i-- {
		a.b[i] = byte(v)
		v >>= 8
	}
	return a
}

// Uint64 packs the address MSB-first into the low 48 bits of a u64.
func (a BDAddr) Uint64() uint64 {
	var v uint64
	for _, x := range a.b {
		v = v<<8 | uint64(x)
	}
	return v
}

// Bytes returns the six address bytes, MSB-first.
func (a BDAddr) Bytes() [6]byte { return a.b }

// IsRandomStatic reports whether the two lowest bits of the last byte mark this
// as a static random address (as opposed to public).
func (a BDAddr) IsRandomStatic() bool {
	return a.b[5]&0b11 == 0b11
}

// Parse accepts both delimited ("aa:bb:cc:dd:ee:ff") and flat
// ("aabbccddeeff") forms, case-insensitively.
func Parse(s string) (BDAddr, error) {
	if strings.Contains(s, ":") {
		return parseDelim(s)
	}
	return parseFlat(s)
}

func parseDelim(s string) (BDAddr, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return BDAddr{}, &ParseError{Reason: "address must have 6 colon-separated octets", Input: s}
	}
	var a BDAddr
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return BDAddr{}, &ParseError{Reason: "invalid hex digit", Input: s}
		}
		a.b[i] = byte(v)
	}
	return a, nil
}

func parseFlat(s string) (BDAddr, error) {
	if len(s) != 12 {
		return BDAddr{}, &ParseError{Reason: "address must be 12 hex characters", Input: s}
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return BDAddr{}, &ParseError{Reason: "invalid hex digit", Input: s}
	}
	var a BDAddr
	copy(a.b[:], raw)
	return a, nil
}

// String renders the address in colon-delimited lowercase form.
func (a BDAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a.b[0], a.b[1], a.b[2], a.b[3], a.b[4], a.b[5])
}

// StringUpper renders the address in colon-delimited uppercase form.
func (a BDAddr) StringUpper() string {
	return strings.ToUpper(a.String())
}

// Flat renders the address with no delimiters, lowercase.
func (a BDAddr) Flat() string {
	return hex.EncodeToString(a.b[:])
}
