// Package codec provides the base64/gob conversions used to move opaque key
// and ciphertext material across the wire, mirroring the teacher's own
// utils.EncodeShare/EncodeToBase64 helpers.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
)

// EncodeShare gob-encodes any serializable value into bytes.
func EncodeShare(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeShare gob-decodes bytes into v, which must be a pointer.
func DecodeShare(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// ToBase64 encodes bytes for JSON transport.
func ToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromBase64 decodes a base64 string back to bytes.
func FromBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
