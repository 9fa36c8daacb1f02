package relay

import (
	"context"
	"errors"
	"time"

	"github.com/outpostlabs/udpredir/internal/balancer"
)

// ErrAssociationClosed is returned when a payload is enqueued on an
// association whose context has been cancelled.
var ErrAssociationClosed = errors.New("association closed")

// Association is the relay context for one flow. It pairs the bounded
// egress queue with the shutdown signal shared by the flow's two relay
// goroutines. The cache holds the canonical reference; eviction is the
// only path that closes an association.
type Association struct {
	key    FlowKey
	server *balancer.Server

	// queue hands payloads from the ingress loop to the egress
	// goroutine. It has exactly one producer and one consumer, so FIFO
	// order within the flow is guaranteed.
	queue chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
}

// newAssociation creates the association shell. The caller spawns the
// relay goroutines and registers it in the cache.
func newAssociation(parent context.Context, key FlowKey, server *balancer.Server, queueSize int) *Association {
	ctx, cancel := context.WithCancel(parent)

	return &Association{
		key:       key,
		server:    server,
		queue:     make(chan []byte, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
	}
}

// Send enqueues a payload for egress. It blocks while the queue is full,
// propagating backpressure to the caller, and fails once the association
// is closed or ctx is done.
func (a *Association) Send(ctx context.Context, payload []byte) error {
	select {
	case a.queue <- payload:
		return nil
	case <-a.ctx.Done():
		return ErrAssociationClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Context returns the association's shutdown context.
func (a *Association) Context() context.Context {
	return a.ctx
}

// Server returns the remote server chosen for this flow.
func (a *Association) Server() *balancer.Server {
	return a.server
}

// Close cancels the association, stopping both relay goroutines.
// It is safe to call more than once.
func (a *Association) Close() {
	a.cancel()
}
