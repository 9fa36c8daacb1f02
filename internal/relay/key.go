package relay

import "net/netip"

// FlowKey identifies one client flow: the pair of source address and
// original destination address. Two datagrams with the same key belong to
// the same logical flow regardless of payload. FlowKey is comparable and
// is the sole key of the association cache.
type FlowKey struct {
	Src netip.AddrPort
	Dst netip.AddrPort
}

// NewFlowKey builds a key from a datagram's sender and original
// destination. Addresses are unmapped so a flow observed over an
// IPv4-mapped IPv6 socket equals the same flow observed over plain IPv4.
func NewFlowKey(src, dst netip.AddrPort) FlowKey {
	return FlowKey{
		Src: netip.AddrPortFrom(src.Addr().Unmap(), src.Port()),
		Dst: netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port()),
	}
}

// String returns "src-dst" for logging.
func (k FlowKey) String() string {
	return k.Src.String() + "-" + k.Dst.String()
}
