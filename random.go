package main

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
)

// genHex returns n random bytes hex-encoded (2n characters).
func genHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// genSessionID returns a random 62-bit session identifier. Collisions
// are treated as cryptographically negligible.
func genSessionID() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:]) >> 2), nil
}

// genClientID returns a random 31-bit client identifier.
func genClientID() (int64, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint32(b[:]) >> 1), nil
}
