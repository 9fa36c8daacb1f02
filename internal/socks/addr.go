// Package socks implements the SOCKS-style address encoding used in relay
// frames: a one-byte type tag, the address body, and a two-byte big-endian
// port.
package socks

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"strconv"
)

// Address type constants
const (
	AtypIPv4   byte = 0x01 // 4 bytes
	AtypDomain byte = 0x03 // 1-byte length + name
	AtypIPv6   byte = 0x04 // 16 bytes
)

// MaxAddrLen is the maximum encoded length of an address:
// 1 (type) + 1 (length) + 255 (domain) + 2 (port).
const MaxAddrLen = 1 + 1 + 255 + 2

// ErrInvalidAddr is returned when an address cannot be parsed or encoded.
var ErrInvalidAddr = errors.New("invalid socks address")

// Addr is a wire-encoded address. The underlying slice holds exactly the
// encoded bytes, so appending a payload after it yields a relay frame.
type Addr []byte

// String returns the host:port form of the address.
func (a Addr) String() string {
	host, port := a.hostPort()
	return net.JoinHostPort(host, port)
}

func (a Addr) hostPort() (string, string) {
	var host string
	var port uint16

	switch a[0] {
	case AtypIPv4:
		host = net.IP(a[1 : 1+net.IPv4len]).String()
		port = binary.BigEndian.Uint16(a[1+net.IPv4len:])
	case AtypIPv6:
		host = net.IP(a[1 : 1+net.IPv6len]).String()
		port = binary.BigEndian.Uint16(a[1+net.IPv6len:])
	case AtypDomain:
		host = string(a[2 : 2+int(a[1])])
		port = binary.BigEndian.Uint16(a[2+int(a[1]):])
	}

	return host, strconv.Itoa(int(port))
}

// FromAddrPort encodes a literal IP endpoint.
func FromAddrPort(ap netip.AddrPort) Addr {
	addr := ap.Addr().Unmap()

	var b []byte
	if addr.Is4() {
		ip4 := addr.As4()
		b = make([]byte, 1+net.IPv4len+2)
		b[0] = AtypIPv4
		copy(b[1:], ip4[:])
	} else {
		ip16 := addr.As16()
		b = make([]byte, 1+net.IPv6len+2)
		b[0] = AtypIPv6
		copy(b[1:], ip16[:])
	}
	binary.BigEndian.PutUint16(b[len(b)-2:], ap.Port())

	return Addr(b)
}

// ParseAddr encodes a host:port string. IP literals become IPv4/IPv6
// addresses; anything else becomes a domain address.
func ParseAddr(s string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return FromAddrPort(netip.AddrPortFrom(ip, uint16(port))), nil
	}

	if len(host) == 0 || len(host) > 255 {
		return nil, ErrInvalidAddr
	}

	b := make([]byte, 1+1+len(host)+2)
	b[0] = AtypDomain
	b[1] = byte(len(host))
	copy(b[2:], host)
	binary.BigEndian.PutUint16(b[len(b)-2:], uint16(port))

	return Addr(b), nil
}

// SplitAddr slices the leading address out of b. It returns nil when b does
// not begin with a well-formed address. The result aliases b.
func SplitAddr(b []byte) Addr {
	if len(b) < 1 {
		return nil
	}

	var addrLen int
	switch b[0] {
	case AtypIPv4:
		addrLen = 1 + net.IPv4len + 2
	case AtypIPv6:
		addrLen = 1 + net.IPv6len + 2
	case AtypDomain:
		if len(b) < 2 {
			return nil
		}
		addrLen = 1 + 1 + int(b[1]) + 2
	default:
		return nil
	}

	if len(b) < addrLen {
		return nil
	}

	return Addr(b[:addrLen])
}
