package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Address flag bits. The low two bits select public/private; bit 0x80 marks
// that a port follows; bit 0x40 marks the IPv6 family (absent = IPv4). The
// family bit is this implementation's resolution of spec.md's "family
// inferred from flag or context" — see DESIGN.md.
const (
	FlagPortPresent = 0x80
	FlagIPv6        = 0x40
	FlagPublic      = 0x02
	FlagPrivate     = 0x01
)

// Address is a transport address as carried inside RTMFP payloads.
type Address struct {
	IP     net.IP
	Port   uint16
	Public bool // true = public, false = private
}

// Put appends the wire encoding of a to buf.
func (a Address) Put(buf []byte) ([]byte, error) {
	flag := byte(FlagPortPresent)
	if a.Public {
		flag |= FlagPublic
	} else {
		flag |= FlagPrivate
	}

	ip4 := a.IP.To4()
	if ip4 != nil {
		buf = append(buf, flag)
		buf = append(buf, ip4...)
	} else if ip16 := a.IP.To16(); ip16 != nil {
		buf = append(buf, flag|FlagIPv6)
		buf = append(buf, ip16...)
	} else {
		return nil, fmt.Errorf("wire: invalid address IP %v", a.IP)
	}

	var pb [2]byte
	binary.BigEndian.PutUint16(pb[:], a.Port)
	return append(buf, pb[:]...), nil
}

// ReadAddress decodes one Address from the front of b, returning the
// unconsumed remainder.
func ReadAddress(b []byte) (Address, []byte, error) {
	if len(b) < 1 {
		return Address{}, nil, fmt.Errorf("wire: address truncated (flag)")
	}
	flag := b[0]
	b = b[1:]

	hostLen := 4
	if flag&FlagIPv6 != 0 {
		hostLen = 16
	}
	if len(b) < hostLen {
		return Address{}, nil, fmt.Errorf("wire: address truncated (host)")
	}
	ip := make(net.IP, hostLen)
	copy(ip, b[:hostLen])
	b = b[hostLen:]

	var port uint16
	if flag&FlagPortPresent != 0 {
		if len(b) < 2 {
			return Address{}, nil, fmt.Errorf("wire: address truncated (port)")
		}
		port = binary.BigEndian.Uint16(b)
		b = b[2:]
	}

	return Address{IP: ip, Port: port, Public: flag&FlagPublic != 0}, b, nil
}

// IsLoopback reports whether a's IP is a loopback address.
func (a Address) IsLoopback() bool {
	return a.IP.IsLoopback()
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}
