//go:build linux

package redir

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNoOriginalDst is returned when a received datagram carries no
// original-destination control message.
var ErrNoOriginalDst = errors.New("no original destination in control messages")

// Conn is a transparent-redirect UDP listener. Reads return both the
// sender and the original destination the datagram was addressed to.
type Conn struct {
	conn *net.UDPConn
	oob  []byte
}

// ListenTransparent binds a UDP socket with IP_TRANSPARENT and original
// destination reporting enabled.
func ListenTransparent(address string) (*Conn, error) {
	lc := net.ListenConfig{Control: listenControl}

	pc, err := lc.ListenPacket(context.Background(), "udp", address)
	if err != nil {
		return nil, fmt.Errorf("bind transparent socket: %w", err)
	}

	return &Conn{
		conn: pc.(*net.UDPConn),
		oob:  make([]byte, 1024),
	}, nil
}

func listenControl(network, address string, c syscall.RawConn) error {
	var ctrlErr error

	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			ctrlErr = fmt.Errorf("SO_REUSEADDR: %w", err)
			return
		}

		switch network {
		case "udp6":
			if err := unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1); err != nil {
				ctrlErr = fmt.Errorf("IPV6_TRANSPARENT: %w", err)
				return
			}
			if err := unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_RECVORIGDSTADDR, 1); err != nil {
				ctrlErr = fmt.Errorf("IPV6_RECVORIGDSTADDR: %w", err)
				return
			}
		default:
			if err := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
				ctrlErr = fmt.Errorf("IP_TRANSPARENT: %w", err)
				return
			}
			if err := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1); err != nil {
				ctrlErr = fmt.Errorf("IP_RECVORIGDSTADDR: %w", err)
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// ReadFrom receives one redirected datagram. It returns the number of
// payload bytes, the sender, and the original destination.
func (c *Conn) ReadFrom(b []byte) (int, netip.AddrPort, netip.AddrPort, error) {
	n, oobn, _, src, err := c.conn.ReadMsgUDPAddrPort(b, c.oob)
	if err != nil {
		return 0, netip.AddrPort{}, netip.AddrPort{}, err
	}

	dst, err := origDstFromOOB(c.oob[:oobn])
	if err != nil {
		return 0, netip.AddrPort{}, netip.AddrPort{}, err
	}

	return n, src, dst, nil
}

// SetReadDeadline sets the deadline for future ReadFrom calls.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// origDstFromOOB extracts the original destination from socket control
// messages.
func origDstFromOOB(oob []byte) (netip.AddrPort, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse control messages: %w", err)
	}

	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_RECVORIGDSTADDR:
			// RawSockaddrInet4: family(2) port(2,BE) addr(4)
			if len(m.Data) < unix.SizeofSockaddrInet4 {
				return netip.AddrPort{}, ErrNoOriginalDst
			}
			port := binary.BigEndian.Uint16(m.Data[2:4])
			addr := netip.AddrFrom4([4]byte(m.Data[4:8]))
			return netip.AddrPortFrom(addr, port), nil

		case m.Header.Level == unix.SOL_IPV6 && m.Header.Type == unix.IPV6_RECVORIGDSTADDR:
			// RawSockaddrInet6: family(2) port(2,BE) flowinfo(4) addr(16) scope(4)
			if len(m.Data) < unix.SizeofSockaddrInet6 {
				return netip.AddrPort{}, ErrNoOriginalDst
			}
			port := binary.BigEndian.Uint16(m.Data[2:4])
			addr := netip.AddrFrom16([16]byte(m.Data[8:24]))
			return netip.AddrPortFrom(addr, port), nil
		}
	}

	return netip.AddrPort{}, ErrNoOriginalDst
}

// ReplyConn is a transparent UDP socket bound to a foreign address, used
// to send replies that appear to originate from the original destination.
type ReplyConn struct {
	conn *net.UDPConn
}

// DialOriginal binds a transparent reply socket to the original
// destination address.
func DialOriginal(orig netip.AddrPort) (*ReplyConn, error) {
	lc := net.ListenConfig{Control: replyControl}

	pc, err := lc.ListenPacket(context.Background(), "udp", orig.String())
	if err != nil {
		return nil, fmt.Errorf("bind reply socket to %s: %w", orig, err)
	}

	return &ReplyConn{conn: pc.(*net.UDPConn)}, nil
}

func replyControl(network, address string, c syscall.RawConn) error {
	var ctrlErr error

	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			ctrlErr = fmt.Errorf("SO_REUSEADDR: %w", err)
			return
		}

		switch network {
		case "udp6":
			if err := unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1); err != nil {
				ctrlErr = fmt.Errorf("IPV6_TRANSPARENT: %w", err)
			}
		default:
			if err := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
				ctrlErr = fmt.Errorf("IP_TRANSPARENT: %w", err)
			}
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// WriteTo sends a reply to the given source address.
func (r *ReplyConn) WriteTo(b []byte, to netip.AddrPort) (int, error) {
	return r.conn.WriteToUDPAddrPort(b, to)
}

// Close closes the socket.
func (r *ReplyConn) Close() error {
	return r.conn.Close()
}
