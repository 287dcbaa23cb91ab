package session

import "github.com/cvsouth/rtmfp-go/wire"

// Transport sends an already wire-framed datagram to addr. The server's
// public UDP socket, or a middle-mode session's child socket, implements
// this.
type Transport interface {
	WriteTo(b []byte, addr wire.Address) (int, error)
}
