package session

// TestEncryptKey exposes a Session's outbound AES key for use by other
// packages' tests that need to decrypt what the session actually sent
// (e.g. rendezvous's holder-notice tests). Not for production use.
func TestEncryptKey(s *Session) []byte {
	return s.eKey[:]
}
