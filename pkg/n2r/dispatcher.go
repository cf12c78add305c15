package n2r

import (
	"github.com/earendil-project/overlayd/pkg/logger"
	"github.com/earendil-project/overlayd/pkg/overlay"
	"github.com/earendil-project/overlayd/pkg/replyblock"
)

// Dispatcher opens inbound RawPackets arriving on any Connection and
// routes the result: a decrypted application datagram goes to the Router,
// and a fresh reply block (if the packet carried one) is stashed for
// later anonymous replies. Pulled out of the socket types since multiple
// dock-bound sockets share one Forwarder and one Router.
type Dispatcher struct {
	forwarder overlay.Forwarder
	router    *Router
	replies   *replyblock.SyncStore
	log       *logger.Logger
}

// NewDispatcher constructs a Dispatcher over a shared Forwarder, Router
// and reply-block Store.
func NewDispatcher(forwarder overlay.Forwarder, router *Router, replies *replyblock.SyncStore, log *logger.Logger) *Dispatcher {
	return &Dispatcher{forwarder: forwarder, router: router, replies: replies, log: log}
}

// HandleInbound decapsulates pkt addressed to dock and dispatches its
// payload, stashing any reply block the packet carried.
func (d *Dispatcher) HandleInbound(pkt overlay.RawPacket) {
	// The dock a RawPacket is addressed to is encoded inside its onion
	// layers, opaque to this daemon; Open resolves it and reports the
	// originating endpoint.
	body, src, dstDock, rb, err := d.forwarder.Open(pkt)
	if err != nil {
		d.log.Debug("n2r: dropping undecodable packet", "error", err)
		return
	}
	if rb != nil {
		d.replies.Insert(src.Fingerprint, *rb)
	}
	d.router.Dispatch(dstDock, body, src)
}
