package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// HandshakeKey is the fixed 16-byte key used for both directions of every
// handshake packet, regardless of session (spec.md §4.1).
var HandshakeKey = []byte("Adobe Systems 02")

var zeroIV = make([]byte, 16)

// padTo16 pads data with 0xFF bytes to the next 16-byte boundary, per
// spec.md §4.1 ("pad(0xFF)").
func padTo16(data []byte) []byte {
	rem := len(data) % 16
	if rem == 0 {
		return data
	}
	pad := make([]byte, 16-rem)
	for i := range pad {
		pad[i] = 0xff
	}
	return append(data, pad...)
}

// EncryptBody builds the encrypted part of a packet: checksum(16) ||
// networkLayerData, padded to a 16-byte boundary with 0xFF, then
// AES-128-CBC encrypted with a zero IV. key must be 16 bytes.
func EncryptBody(key, networkLayerData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wire: aes cipher: %w", err)
	}

	plaintext := make([]byte, 2, 2+len(networkLayerData))
	plaintext = append(plaintext, networkLayerData...)
	plaintext = padTo16(plaintext)

	cs := Checksum(plaintext[2:])
	plaintext[0] = byte(cs >> 8)
	plaintext[1] = byte(cs)

	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(out, plaintext)
	return out, nil
}

// DecryptBody reverses EncryptBody, verifying the embedded checksum.
// Returns the network-layer-data without the 2-byte checksum. The 0xFF
// padding tail is NOT stripped — callers parse chunks until they hit the
// terminator or run out of bytes, per spec.md §4.3.
func DecryptBody(key, encrypted []byte) ([]byte, error) {
	if len(encrypted) < 16 || len(encrypted)%16 != 0 {
		return nil, fmt.Errorf("wire: encrypted body not a multiple of 16 bytes: %d", len(encrypted))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wire: aes cipher: %w", err)
	}
	plaintext := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, zeroIV).CryptBlocks(plaintext, encrypted)

	want := uint16(plaintext[0])<<8 | uint16(plaintext[1])
	got := Checksum(plaintext[2:])
	if want != got {
		return nil, fmt.Errorf("wire: checksum mismatch: want %04x got %04x", want, got)
	}
	return plaintext[2:], nil
}
