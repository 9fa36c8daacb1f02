package socks

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestFromAddrPort_IPv4(t *testing.T) {
	ap := netip.MustParseAddrPort("1.2.3.4:53")
	addr := FromAddrPort(ap)

	want := []byte{AtypIPv4, 1, 2, 3, 4, 0, 53}
	if !bytes.Equal(addr, want) {
		t.Errorf("FromAddrPort = %v, want %v", []byte(addr), want)
	}
	if addr.String() != "1.2.3.4:53" {
		t.Errorf("String() = %q, want %q", addr.String(), "1.2.3.4:53")
	}
}

func TestFromAddrPort_IPv6(t *testing.T) {
	ap := netip.MustParseAddrPort("[2001:db8::1]:8080")
	addr := FromAddrPort(ap)

	if addr[0] != AtypIPv6 {
		t.Errorf("type tag = %d, want %d", addr[0], AtypIPv6)
	}
	if len(addr) != 1+16+2 {
		t.Errorf("encoded length = %d, want %d", len(addr), 1+16+2)
	}
	if addr.String() != "[2001:db8::1]:8080" {
		t.Errorf("String() = %q, want %q", addr.String(), "[2001:db8::1]:8080")
	}
}

func TestFromAddrPort_MappedIPv4(t *testing.T) {
	// IPv4-mapped IPv6 addresses must encode as IPv4.
	ap := netip.MustParseAddrPort("[::ffff:1.2.3.4]:53")
	addr := FromAddrPort(ap)

	if addr[0] != AtypIPv4 {
		t.Errorf("type tag = %d, want %d", addr[0], AtypIPv4)
	}
}

func TestParseAddr_Domain(t *testing.T) {
	addr, err := ParseAddr("example.com:8388")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}

	if addr[0] != AtypDomain {
		t.Errorf("type tag = %d, want %d", addr[0], AtypDomain)
	}
	if int(addr[1]) != len("example.com") {
		t.Errorf("domain length = %d, want %d", addr[1], len("example.com"))
	}
	if addr.String() != "example.com:8388" {
		t.Errorf("String() = %q, want %q", addr.String(), "example.com:8388")
	}
}

func TestParseAddr_Invalid(t *testing.T) {
	tests := []string{
		"no-port",
		"example.com:notanumber",
		"example.com:99999",
		":53",
	}

	for _, s := range tests {
		if _, err := ParseAddr(s); err == nil {
			t.Errorf("ParseAddr(%q) succeeded, want error", s)
		}
	}
}

func TestSplitAddr(t *testing.T) {
	addr := FromAddrPort(netip.MustParseAddrPort("1.2.3.4:53"))
	payload := []byte("payload bytes")
	frame := append(append([]byte{}, addr...), payload...)

	got := SplitAddr(frame)
	if got == nil {
		t.Fatal("SplitAddr returned nil")
	}
	if !bytes.Equal(got, addr) {
		t.Errorf("SplitAddr = %v, want %v", []byte(got), []byte(addr))
	}
	if !bytes.Equal(frame[len(got):], payload) {
		t.Errorf("payload after address = %v, want %v", frame[len(got):], payload)
	}
}

func TestSplitAddr_Domain(t *testing.T) {
	addr, _ := ParseAddr("dns.example:53")
	frame := append(append([]byte{}, addr...), 0xde, 0xad)

	got := SplitAddr(frame)
	if got == nil {
		t.Fatal("SplitAddr returned nil")
	}
	if got.String() != "dns.example:53" {
		t.Errorf("String() = %q, want %q", got.String(), "dns.example:53")
	}
}

func TestSplitAddr_Malformed(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{0x09, 1, 2, 3}},
		{"truncated ipv4", []byte{AtypIPv4, 1, 2, 3}},
		{"truncated ipv6", []byte{AtypIPv6, 1, 2}},
		{"truncated domain length", []byte{AtypDomain}},
		{"truncated domain", []byte{AtypDomain, 10, 'a', 'b'}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SplitAddr(tc.b); got != nil {
				t.Errorf("SplitAddr = %v, want nil", []byte(got))
			}
		})
	}
}
