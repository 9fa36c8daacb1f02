package relay

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"
)

func testKey() FlowKey {
	return NewFlowKey(
		netip.MustParseAddrPort("10.0.0.1:5000"),
		netip.MustParseAddrPort("1.2.3.4:53"),
	)
}

func TestAssociation_SendReceiveOrder(t *testing.T) {
	a := newAssociation(context.Background(), testKey(), nil, 8)
	defer a.Close()

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		if err := a.Send(context.Background(), p); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	for i, want := range payloads {
		got := <-a.queue
		if !bytes.Equal(got, want) {
			t.Errorf("payload %d = %q, want %q", i, got, want)
		}
	}
}

func TestAssociation_Backpressure(t *testing.T) {
	a := newAssociation(context.Background(), testKey(), nil, 2)
	defer a.Close()

	// Fill the queue to capacity.
	for i := 0; i < 2; i++ {
		if err := a.Send(context.Background(), []byte{byte(i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	// The next send must block until the consumer drains a slot.
	blocked := make(chan error, 1)
	go func() {
		blocked <- a.Send(context.Background(), []byte{9})
	}()

	select {
	case err := <-blocked:
		t.Fatalf("Send on full queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
		// Still blocked, as expected.
	}

	// Drain one slot; the blocked send must complete.
	got := <-a.queue
	if got[0] != 0 {
		t.Errorf("drained %v, want first payload", got)
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Errorf("Send after drain: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send still blocked after queue drained")
	}

	// No drops, no reordering.
	if got := <-a.queue; got[0] != 1 {
		t.Errorf("second payload = %v, want 1", got)
	}
	if got := <-a.queue; got[0] != 9 {
		t.Errorf("third payload = %v, want 9", got)
	}
}

func TestAssociation_SendAfterClose(t *testing.T) {
	a := newAssociation(context.Background(), testKey(), nil, 1)
	a.Close()

	if err := a.Send(context.Background(), []byte("x")); err != ErrAssociationClosed {
		t.Errorf("Send after Close error = %v, want ErrAssociationClosed", err)
	}
}

func TestAssociation_SendCallerCancel(t *testing.T) {
	a := newAssociation(context.Background(), testKey(), nil, 1)
	defer a.Close()

	// Fill the queue so the send blocks, then cancel the caller.
	if err := a.Send(context.Background(), []byte("fill")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Send(ctx, []byte("x")); err != context.Canceled {
		t.Errorf("Send with cancelled ctx error = %v, want context.Canceled", err)
	}
}

func TestAssociation_CloseIdempotent(t *testing.T) {
	a := newAssociation(context.Background(), testKey(), nil, 1)
	a.Close()
	a.Close() // must not panic

	select {
	case <-a.Context().Done():
	default:
		t.Error("context not cancelled after Close")
	}
}

func TestAssociation_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newAssociation(ctx, testKey(), nil, 1)

	cancel()

	select {
	case <-a.Context().Done():
	case <-time.After(time.Second):
		t.Error("association context not cancelled by parent")
	}
}
