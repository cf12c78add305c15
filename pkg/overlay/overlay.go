// Package overlay declares the opaque collaborator interfaces this daemon
// builds on but does not itself implement: the obfuscated packet transport,
// the onion-packet cryptography, and the DHT. Each is provided by an
// embedder; this package exists so the rest of the tree can depend on a
// stable contract instead of a concrete implementation.
package overlay

import (
	"context"
	"net"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
)

// RawPacketSize is the fixed byte length of an onion packet. The layout
// itself is owned by the crypto layer; this daemon only frames by size.
const RawPacketSize = 2048

// RawPacket is a fixed-size, source-routed, layer-encrypted datagram. Its
// contents are opaque to this daemon; only its size is used for framing.
type RawPacket [RawPacketSize]byte

// ReplyBlock is a single-use cryptographic token allowing a remote party to
// route one packet back anonymously. Its internal structure is opaque;
// this daemon stores and hands it back whole.
type ReplyBlock []byte

// PacketTransport is the obfuscated-UDP pipe a Link Connection is built
// over, provided by the embedder.
type PacketTransport interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Listen(ctx context.Context, addr string) (net.Listener, error)
}

// Forwarder is the onion-packet cryptography layer. It builds outbound
// packets given a source route or a reply block, and opens inbound
// packets addressed to a locally bound dock. pkg/oniontransport provides
// a sealed-payload implementation; embedders with a full source-routing
// crypto stack supply their own.
type Forwarder interface {
	// BuildForward constructs a RawPacket destined for dest, routed via
	// route (a sequence of relay fingerprints chosen from the relay
	// graph), carrying body. src is the sending socket's endpoint; it
	// travels inside the sealed payload so the receiver can answer, and
	// may name an anonymous identity.
	BuildForward(route []fingerprint.Fingerprint, src, dest fingerprint.Endpoint, body []byte) (RawPacket, error)

	// BuildReply constructs a RawPacket using a previously-issued reply
	// block, carrying body back to the block's originator.
	BuildReply(rb ReplyBlock, body []byte) (RawPacket, error)

	// Open decapsulates an inbound RawPacket. The destination dock it was
	// addressed to is opaque until decapsulation, so Open reports it
	// alongside the sender's endpoint rather than taking it as an
	// argument. If the packet carries a fresh reply block for later
	// anonymous replies, rb is non-nil.
	Open(pkt RawPacket) (body []byte, src fingerprint.Endpoint, dstDock fingerprint.Dock, rb *ReplyBlock, err error)

	// Bind reserves dock on identity with the forwarder, so inbound
	// packets addressed to it can be delivered. An empty dock requests
	// forwarder-assigned allocation.
	Bind(identity fingerprint.IdentityPublic, dock fingerprint.Dock) (fingerprint.Dock, error)

	// Transmit hands an already-built RawPacket to the forwarder for
	// delivery to its first hop. The first hop is implicit in how pkt was
	// built (the chosen route, or the reply block's encoded return path),
	// so this daemon never needs to know physical neighbor addressing
	// itself; that bookkeeping lives entirely on the embedder's side of
	// this interface.
	Transmit(ctx context.Context, pkt RawPacket) error
}

// DHT is the distributed haven-locator directory. Its routing algorithm
// is opaque to this daemon; any key-value store with these two calls
// serves.
type DHT interface {
	Insert(ctx context.Context, key fingerprint.Fingerprint, value []byte) error
	Get(ctx context.Context, key fingerprint.Fingerprint) ([]byte, error)
}
