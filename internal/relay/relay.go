package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outpostlabs/udpredir/internal/balancer"
	"github.com/outpostlabs/udpredir/internal/logging"
	"github.com/outpostlabs/udpredir/internal/metrics"
	"github.com/outpostlabs/udpredir/internal/socks"
)

// ErrTooManyAssociations is returned when the configured association
// limit is reached and a new flow arrives.
var ErrTooManyAssociations = errors.New("association limit reached")

// PacketSource is the transparent-redirect listener contract. Reads
// return the sender and the original destination of each datagram.
type PacketSource interface {
	ReadFrom(b []byte) (n int, src, dst netip.AddrPort, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// ReplyConn sends reply payloads back to the original source, appearing
// to originate from the flow's original destination.
type ReplyConn interface {
	WriteTo(b []byte, to netip.AddrPort) (int, error)
	Close() error
}

// Dialers supplies the per-association socket constructors. Remote binds
// the ephemeral outbound socket used to reach the proxy server; Reply
// binds the spoofed-source reply socket for the original destination.
type Dialers struct {
	Remote func() (net.PacketConn, error)
	Reply  func(orig netip.AddrPort) (ReplyConn, error)
}

// Config holds relay engine tuning.
type Config struct {
	// IdleTimeout is the flow expiry duration. It also bounds the
	// ingress receive wait so eviction runs when no traffic arrives.
	IdleTimeout time.Duration

	// SendTimeout bounds a single send to a remote server.
	SendTimeout time.Duration

	// QueueSize is the per-association egress queue capacity.
	QueueSize int

	// MaxPayload is the maximum UDP payload size; larger datagrams are
	// truncated at receive time.
	MaxPayload int

	// MaxAssociations limits concurrent flows. 0 means unlimited.
	MaxAssociations int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     5 * time.Minute,
		SendTimeout:     5 * time.Second,
		QueueSize:       1024,
		MaxPayload:      65536,
		MaxAssociations: 0,
	}
}

// Relay drives the single ingress loop and the per-flow relay
// goroutines.
type Relay struct {
	cfg      Config
	source   PacketSource
	balancer *balancer.Balancer
	dialers  Dialers
	cache    *Cache
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Totals for the stats reporter and health endpoint.
	packetsEgress  atomic.Uint64
	packetsIngress atomic.Uint64
	bytesEgress    atomic.Uint64
	bytesIngress   atomic.Uint64
}

// New creates a Relay. The source is the transparent-redirect listener;
// dialers provide the per-flow sockets.
func New(cfg Config, source PacketSource, bal *balancer.Balancer, dialers Dialers, logger *slog.Logger) *Relay {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		cfg:      cfg,
		source:   source,
		balancer: bal,
		dialers:  dialers,
		cache:    NewCache(cfg.IdleTimeout),
		logger:   logger.With(slog.String(logging.KeyComponent, "relay")),
		metrics:  metrics.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}

	if r.dialers.Remote == nil {
		r.dialers.Remote = func() (net.PacketConn, error) {
			return net.ListenUDP("udp", nil)
		}
	}

	r.cache.onEvict = func(key FlowKey) {
		r.metrics.RecordAssociationEvicted()
		r.logger.Debug("association evicted",
			logging.KeySource, key.Src.String(),
			logging.KeyDest, key.Dst.String())
	}

	return r
}

// Serve runs the ingress loop until Close is called. Each received
// datagram is matched to its flow's association (created on first
// sight) and enqueued for egress. The enqueue blocks while the flow's
// queue is full, so backpressure on one flow stalls the whole intake.
func (r *Relay) Serve() error {
	r.running.Store(true)
	defer r.running.Store(false)

	// Serve joins the waitgroup so Close can observe its exit.
	r.wg.Add(1)
	defer r.wg.Done()

	r.wg.Add(2)
	go r.sweepLoop()
	go r.statsLoop()

	buf := make([]byte, r.cfg.MaxPayload)

	for {
		// Bounding the wait by the idle timeout guarantees eviction
		// runs even on a completely quiet listener.
		r.source.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))

		n, src, dst, err := r.source.ReadFrom(buf)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if evicted := r.cache.Sweep(); evicted > 0 {
					r.logger.Debug("evicted idle associations", logging.KeyCount, evicted)
				}
				continue
			}
			r.logger.Warn("receive failed", logging.KeyError, err)
			r.metrics.RecordError(metrics.ErrKindReceive)
			continue
		}

		// Zero-length reads are an artifact of the redirect socket
		// signalling an unreachable destination, not a real flow.
		if n == 0 {
			continue
		}

		key := NewFlowKey(src, dst)

		assoc, created, err := r.cache.GetOrCreate(key, func() (*Association, error) {
			return r.newFlow(key)
		})
		if err != nil {
			// One flow failing to set up must not take the relay down.
			r.metrics.RecordError(metrics.ErrKindCreate)
			r.logger.Error("failed to create association",
				logging.KeySource, key.Src.String(),
				logging.KeyDest, key.Dst.String(),
				logging.KeyError, err)
			continue
		}
		if created {
			// Recorded here rather than in the factory so a creation that
			// loses the cache race does not inflate the gauge.
			r.metrics.RecordAssociationCreated()
			r.logger.Debug("association created",
				logging.KeySource, key.Src.String(),
				logging.KeyDest, key.Dst.String(),
				logging.KeyServer, assoc.Server().Address)
		}

		// Copy out of the shared receive buffer; the association owns
		// the payload from here.
		payload := make([]byte, n)
		copy(payload, buf[:n])

		if err := assoc.Send(r.ctx, payload); err != nil {
			if r.ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("dropped datagram on closed association",
				logging.KeySource, key.Src.String(),
				logging.KeyDest, key.Dst.String())
		}
	}
}

// IsRunning reports whether the ingress loop is active.
func (r *Relay) IsRunning() bool {
	return r.running.Load()
}

// Stats is a snapshot of relay totals.
type Stats struct {
	Associations   int
	PacketsEgress  uint64
	PacketsIngress uint64
	BytesEgress    uint64
	BytesIngress   uint64
}

// Stats returns a snapshot of relay totals.
func (r *Relay) Stats() Stats {
	return Stats{
		Associations:   r.cache.Len(),
		PacketsEgress:  r.packetsEgress.Load(),
		PacketsIngress: r.packetsIngress.Load(),
		BytesEgress:    r.bytesEgress.Load(),
		BytesIngress:   r.bytesIngress.Load(),
	}
}

// Close shuts the relay down: it stops the ingress loop, evicts every
// association, and waits for all relay goroutines to finish.
func (r *Relay) Close() error {
	r.cancel()
	err := r.source.Close()
	r.cache.Close()
	r.wg.Wait()
	return err
}

// newFlow builds the association for a new flow: outbound socket, reply
// socket, queue, and the two relay goroutines.
func (r *Relay) newFlow(key FlowKey) (*Association, error) {
	if r.cfg.MaxAssociations > 0 && r.cache.Len() >= r.cfg.MaxAssociations {
		r.metrics.RecordError(metrics.ErrKindLimit)
		return nil, ErrTooManyAssociations
	}

	server := r.balancer.Pick()

	remote, err := r.dialers.Remote()
	if err != nil {
		return nil, fmt.Errorf("bind outbound socket: %w", err)
	}

	if r.dialers.Reply == nil {
		remote.Close()
		return nil, errors.New("no reply dialer configured")
	}
	reply, err := r.dialers.Reply(key.Dst)
	if err != nil {
		remote.Close()
		return nil, fmt.Errorf("bind reply socket for %s: %w", key.Dst, err)
	}

	assoc := newAssociation(r.ctx, key, server, r.cfg.QueueSize)

	// Closing the sockets when the association ends unblocks any read
	// or write in flight, so both goroutines observe cancellation
	// promptly.
	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		<-assoc.Context().Done()
		remote.Close()
		reply.Close()
	}()
	go r.egressLoop(assoc, remote)
	go r.replyLoop(assoc, remote, reply)

	return assoc, nil
}

// egressLoop drains the association's queue and relays each payload to
// the remote server. A failed send is logged and the loop continues;
// one bad packet does not end the flow.
func (r *Relay) egressLoop(assoc *Association, remote net.PacketConn) {
	defer r.wg.Done()

	// The frame address is the flow's original destination, encoded
	// once and reused for every packet.
	addr := socks.FromAddrPort(assoc.key.Dst)

	for {
		select {
		case <-assoc.Context().Done():
			return
		case payload := <-assoc.queue:
			if err := r.relayToRemote(assoc, remote, addr, payload); err != nil {
				if assoc.Context().Err() != nil {
					return
				}
				r.logger.Warn("egress relay failed",
					logging.KeySource, assoc.key.Src.String(),
					logging.KeyDest, assoc.key.Dst.String(),
					logging.KeyServer, assoc.server.Address,
					logging.KeyError, err)
			}
		}
	}
}

// relayToRemote frames, encrypts and sends one payload.
func (r *Relay) relayToRemote(assoc *Association, remote net.PacketConn, addr socks.Addr, payload []byte) error {
	server := assoc.server

	frame := make([]byte, 0, len(addr)+len(payload))
	frame = append(frame, addr...)
	frame = append(frame, payload...)

	ciphertext, err := server.Cipher.Encrypt(frame)
	if err != nil {
		r.metrics.RecordError(metrics.ErrKindSend)
		return fmt.Errorf("encrypt: %w", err)
	}

	if server.Limiter != nil {
		// WaitN rejects requests above the burst outright. The burst is
		// sized for a worst-case ciphertext, but a tuned max payload can
		// still exceed it; charge at most one burst so the datagram is
		// delayed, never dropped.
		n := len(ciphertext)
		if b := server.Limiter.Burst(); n > b {
			n = b
		}
		if err := server.Limiter.WaitN(assoc.Context(), n); err != nil {
			return err
		}
	}

	// Domain server endpoints are resolved at send time.
	var to net.Addr
	if server.AddrPort.IsValid() {
		to = net.UDPAddrFromAddrPort(server.AddrPort)
	} else {
		ua, err := net.ResolveUDPAddr("udp", server.Address)
		if err != nil {
			r.metrics.RecordError(metrics.ErrKindSend)
			return fmt.Errorf("resolve %s: %w", server.Address, err)
		}
		to = ua
	}

	start := time.Now()
	remote.SetWriteDeadline(time.Now().Add(r.cfg.SendTimeout))
	n, err := remote.WriteTo(ciphertext, to)
	r.metrics.SendLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		r.metrics.RecordError(metrics.ErrKindSend)
		return fmt.Errorf("send to %s: %w", server.Address, err)
	}
	if n != len(ciphertext) {
		// A short send silently truncates the stream; surface it.
		r.metrics.RecordError(metrics.ErrKindShortSend)
		return fmt.Errorf("short send to %s: wrote %d of %d bytes", server.Address, n, len(ciphertext))
	}

	r.metrics.RecordEgress(len(payload))
	r.packetsEgress.Add(1)
	r.bytesEgress.Add(uint64(len(payload)))

	return nil
}

// replyLoop receives replies from the remote server, strips the frame
// address, and forwards the payload to the original source. It runs
// until eviction cancels the association; per-packet errors keep the
// flow alive.
func (r *Relay) replyLoop(assoc *Association, remote net.PacketConn, reply ReplyConn) {
	defer r.wg.Done()

	server := assoc.server

	// Reply datagrams beyond the maximum payload size are truncated by
	// the bounded read.
	buf := make([]byte, r.cfg.MaxPayload)

	for {
		n, _, err := remote.ReadFrom(buf)
		if err != nil {
			if assoc.Context().Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.metrics.RecordError(metrics.ErrKindReceive)
			r.logger.Warn("reply receive failed",
				logging.KeySource, assoc.key.Src.String(),
				logging.KeyServer, server.Address,
				logging.KeyError, err)
			r.cache.Touch(assoc.key)
			continue
		}

		plaintext, err := server.Cipher.Decrypt(buf[:n])
		if err != nil {
			r.metrics.RecordError(metrics.ErrKindDecrypt)
			r.logger.Warn("failed to decrypt reply",
				logging.KeyServer, server.Address,
				logging.KeyBytes, n,
				logging.KeyError, err)
			r.cache.Touch(assoc.key)
			continue
		}

		// The leading address is not used for routing; only its length
		// matters to find the payload.
		addr := socks.SplitAddr(plaintext)
		if addr == nil {
			r.metrics.RecordError(metrics.ErrKindAddress)
			r.logger.Warn("malformed reply frame",
				logging.KeyServer, server.Address,
				logging.KeyBytes, len(plaintext))
			r.cache.Touch(assoc.key)
			continue
		}
		payload := plaintext[len(addr):]

		if _, err := reply.WriteTo(payload, assoc.key.Src); err != nil {
			r.metrics.RecordError(metrics.ErrKindReply)
			r.logger.Warn("reply forward failed",
				logging.KeySource, assoc.key.Src.String(),
				logging.KeyError, err)
		} else {
			r.metrics.RecordIngress(len(payload))
			r.packetsIngress.Add(1)
			r.bytesIngress.Add(uint64(len(payload)))
		}

		// Keep the flow from being reclaimed while traffic is active.
		r.cache.Touch(assoc.key)
	}
}

// sweepLoop periodically evicts idle associations so flows expire even
// while the ingress loop is busy with other traffic.
func (r *Relay) sweepLoop() {
	defer r.wg.Done()

	interval := r.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if evicted := r.cache.Sweep(); evicted > 0 {
				r.logger.Debug("evicted idle associations", logging.KeyCount, evicted)
			}
		}
	}
}
