package wire

import (
	"net"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	cases := []Address{
		{IP: net.ParseIP("127.0.0.1").To4(), Port: 1935, Public: true},
		{IP: net.ParseIP("10.0.0.5").To4(), Port: 0, Public: false},
		{IP: net.ParseIP("2001:db8::1"), Port: 443, Public: true},
	}
	for _, a := range cases {
		buf, err := a.Put(nil)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, rest, err := ReadAddress(buf)
		if err != nil {
			t.Fatalf("ReadAddress: %v", err)
		}
		if len(rest) != 0 {
			t.Fatalf("leftover bytes: %v", rest)
		}
		if !got.IP.Equal(a.IP) || got.Port != a.Port || got.Public != a.Public {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, a)
		}
	}
}

func TestAddressConcatenated(t *testing.T) {
	// Multiple addresses packed back to back, as in a 0x71 rendezvous reply.
	a1 := Address{IP: net.ParseIP("203.0.113.9").To4(), Port: 1935, Public: true}
	a2 := Address{IP: net.ParseIP("192.168.1.2").To4(), Port: 5000, Public: false}

	var buf []byte
	var err error
	buf, err = a1.Put(buf)
	if err != nil {
		t.Fatal(err)
	}
	buf, err = a2.Put(buf)
	if err != nil {
		t.Fatal(err)
	}

	got1, rest, err := ReadAddress(buf)
	if err != nil {
		t.Fatal(err)
	}
	got2, rest, err := ReadAddress(rest)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover: %v", rest)
	}
	if !got1.IP.Equal(a1.IP) || got1.Port != a1.Port {
		t.Fatalf("first address mismatch: %+v", got1)
	}
	if !got2.IP.Equal(a2.IP) || got2.Port != a2.Port {
		t.Fatalf("second address mismatch: %+v", got2)
	}
}
