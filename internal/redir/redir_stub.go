//go:build !linux

package redir

import (
	"errors"
	"net"
	"net/netip"
	"time"
)

// ErrUnsupported is returned on platforms without TPROXY support.
var ErrUnsupported = errors.New("transparent redirect requires linux")

// Conn is a transparent-redirect UDP listener. Not available on this
// platform.
type Conn struct{}

// ListenTransparent is not available on this platform.
func ListenTransparent(address string) (*Conn, error) {
	return nil, ErrUnsupported
}

func (c *Conn) ReadFrom(b []byte) (int, netip.AddrPort, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, netip.AddrPort{}, ErrUnsupported
}

func (c *Conn) SetReadDeadline(t time.Time) error { return ErrUnsupported }

func (c *Conn) LocalAddr() net.Addr { return nil }

func (c *Conn) Close() error { return nil }

// ReplyConn is a transparent reply socket. Not available on this platform.
type ReplyConn struct{}

// DialOriginal is not available on this platform.
func DialOriginal(orig netip.AddrPort) (*ReplyConn, error) {
	return nil, ErrUnsupported
}

func (r *ReplyConn) WriteTo(b []byte, to netip.AddrPort) (int, error) {
	return 0, ErrUnsupported
}

func (r *ReplyConn) Close() error { return nil }
