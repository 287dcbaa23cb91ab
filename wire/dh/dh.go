// Package dh implements the fixed DH-1024 key agreement used by the RTMFP
// handshake: generator 2, the standard 1024-bit MODP prime (spec.md §6).
package dh

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Prime is the 1024-bit MODP prime from RFC 2409 §6.2.
var Prime = mustPrime(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC7" +
		"4020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14" +
		"374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B" +
		"7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF",
)

var generator = big.NewInt(2)

func mustPrime(hexStr string) *big.Int {
	n, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		panic("dh: invalid prime literal")
	}
	return n
}

// KeyPair holds a DH-1024 private exponent x and its public value y = g^x mod p.
type KeyPair struct {
	X *big.Int // private
	Y *big.Int // public
}

// Generate creates a fresh 128-byte (1024-bit) DH keypair.
func Generate() (*KeyPair, error) {
	buf := make([]byte, 128)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("dh: random exponent: %w", err)
	}
	x := new(big.Int).SetBytes(buf)
	y := new(big.Int).Exp(generator, x, Prime)
	return &KeyPair{X: x, Y: y}, nil
}

// PublicBytes encodes y as a fixed 128-byte big-endian value, left-padded
// with zeros (RTMFP certificates always carry a 128-byte DH public).
func (kp *KeyPair) PublicBytes() []byte {
	return fixedBytes(kp.Y, 128)
}

// SharedSecret computes peerY^x mod p and returns it as a fixed 128-byte
// big-endian value.
func (kp *KeyPair) SharedSecret(peerY []byte) []byte {
	py := new(big.Int).SetBytes(peerY)
	s := new(big.Int).Exp(py, kp.X, Prime)
	return fixedBytes(s, 128)
}

func fixedBytes(n *big.Int, size int) []byte {
	b := n.Bytes()
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
