// Package redir provides the transparent-redirect UDP socket primitives.
//
// On Linux, redirected datagrams are received on a socket with
// IP_TRANSPARENT set and the original destination recovered from
// IP_RECVORIGDSTADDR control messages. Replies are sent from a second
// transparent socket bound to the original destination address, so the
// client sees them as coming from the host it addressed.
//
// Both primitives require CAP_NET_ADMIN and matching iptables/nftables
// TPROXY rules; neither is available on other platforms, where the
// constructors return ErrUnsupported.
package redir
