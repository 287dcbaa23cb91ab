package wire

import (
	"crypto/hmac"
	"crypto/sha256"
)

// hmacSHA256 computes HMAC-SHA-256(key, data).
func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// DeriveKeys computes the session AES keys from the DH shared secret and the
// two sides' nonces, per spec.md §4.2:
//
//	dkey = HMAC-SHA256(secret, HMAC-SHA256(respNonce, initNonce))[:16]
//	ekey = HMAC-SHA256(secret, HMAC-SHA256(initNonce, respNonce))[:16]
//
// The responder decrypts with dkey and encrypts with ekey; the initiator
// uses them the other way round (the initiator encrypts with dkey and
// decrypts with ekey).
func DeriveKeys(secret, initNonce, respNonce []byte) (dkey, ekey []byte) {
	dkey = hmacSHA256(secret, hmacSHA256(respNonce, initNonce))[:16]
	ekey = hmacSHA256(secret, hmacSHA256(initNonce, respNonce))[:16]
	return dkey, ekey
}

// PeerID computes the 32-byte RTMFP peer identity: SHA-256 of the peer's
// certificate/nonce material.
func PeerID(cert []byte) [32]byte {
	return sha256.Sum256(cert)
}
