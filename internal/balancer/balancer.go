// Package balancer selects which remote proxy server handles a new flow.
package balancer

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/outpostlabs/udpredir/internal/cipher"
	"github.com/outpostlabs/udpredir/internal/config"
	"github.com/outpostlabs/udpredir/internal/socks"
)

// ErrNoServers is returned when the pool is empty.
var ErrNoServers = errors.New("no servers configured")

// Server describes one remote proxy endpoint with its credentials.
type Server struct {
	// Address is the configured endpoint, host:port. When the host is a
	// domain name, AddrPort is not valid and the endpoint is resolved at
	// send time.
	Address string

	// AddrPort is the parsed literal endpoint, valid only for IP hosts.
	AddrPort netip.AddrPort

	// Cipher seals and opens datagrams exchanged with this server.
	Cipher cipher.Cipher

	// UDPTimeout overrides the relay idle timeout for flows on this
	// server. Zero means use the relay default.
	UDPTimeout time.Duration

	// Limiter caps egress bandwidth to this server. Nil means unlimited.
	Limiter *rate.Limiter
}

// rateBurst is the token bucket burst for egress rate limiting. The
// limiter charges sealed frames, so the burst must hold one worst-case
// ciphertext: a maximum payload plus address framing and cipher overhead.
// WaitN fails outright for requests above the burst.
const rateBurst = 64*1024 + socks.MaxAddrLen + cipher.MaxOverhead

// NewServer builds a Server from its configuration.
func NewServer(cfg config.ServerConfig) (*Server, error) {
	c, err := cipher.New(cfg.Method, cfg.Password)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Address:    cfg.Address,
		Cipher:     c,
		UDPTimeout: cfg.UDPTimeout,
	}

	// Literal endpoints skip per-send resolution.
	if ap, err := netip.ParseAddrPort(cfg.Address); err == nil {
		s.AddrPort = ap
	}

	if cfg.RateLimit > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), rateBurst)
	}

	return s, nil
}

// Balancer picks servers for new flows, round robin over the pool.
type Balancer struct {
	mu      sync.Mutex
	servers []*Server
	next    int
}

// New creates a Balancer over the configured server pool.
func New(cfgs []config.ServerConfig) (*Balancer, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoServers
	}

	servers := make([]*Server, 0, len(cfgs))
	for _, c := range cfgs {
		s, err := NewServer(c)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}

	return &Balancer{servers: servers}, nil
}

// Pick returns the server for the next new flow.
func (b *Balancer) Pick() *Server {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.servers[b.next]
	b.next = (b.next + 1) % len(b.servers)
	return s
}

// Len returns the pool size.
func (b *Balancer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.servers)
}
