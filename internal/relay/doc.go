// Package relay implements the UDP relay engine: the per-flow association
// lifecycle and the concurrent bidirectional forwarding between redirected
// local clients and remote proxy servers.
//
// A flow is identified by its (source, original destination) address pair.
// The first datagram of a flow creates an association: an outbound socket
// to a chosen remote server, a reply socket bound to the original
// destination, a bounded egress queue, and two goroutines driving the two
// directions. Datagrams travel as encrypted frames of the form
// address || payload.
//
// # Lifecycle
//
//  1. A redirected datagram arrives on the transparent listener.
//  2. The ingress loop derives the flow key and looks it up in the
//     association cache, creating an association on miss.
//  3. The payload is enqueued; the egress goroutine frames, encrypts and
//     sends it to the remote server.
//  4. Replies on the per-flow outbound socket are decrypted, the leading
//     address stripped, and the payload forwarded to the original source
//     from the original destination address.
//  5. UDP has no teardown, so associations end only by idle eviction:
//     when a flow is untouched for the idle timeout, the cache drops it
//     and cancels its context, stopping both goroutines.
//
// Errors on one flow never propagate to the ingress loop or other flows.
// The egress queue gives each flow bounded buffering; when a queue fills,
// the single ingress loop blocks, so sustained backpressure on one flow
// stalls intake for all flows. This mirrors the single-threaded intake
// design and keeps ordering strict within a flow.
package relay
