// Package n2r implements node-to-rendezvous sockets: the anonymous,
// dock-addressed datagram primitive every higher-level protocol (global
// RPC, haven sessions) is built on.
package n2r

import (
	"sync"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
)

// shardCount matches pkg/control's sharded socket map.
const shardCount = 16

// inbound is a single decrypted datagram ready for a bound socket.
type inbound struct {
	body []byte
	src  fingerprint.Endpoint
}

type shard struct {
	mu    sync.RWMutex
	docks map[fingerprint.Dock]chan inbound
}

// Router dispatches decrypted inbound datagrams to the socket bound to
// their destination dock, keyed by a sharded map to bound lock contention
// under many concurrently-bound sockets.
type Router struct {
	shards [shardCount]*shard
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	r := &Router{}
	for i := range r.shards {
		r.shards[i] = &shard{docks: make(map[fingerprint.Dock]chan inbound)}
	}
	return r
}

func (r *Router) shardFor(dock fingerprint.Dock) *shard {
	return r.shards[uint32(dock)%shardCount]
}

// inboxDepth bounds each socket's inbound queue; datagrams arriving faster
// than a socket drains them are dropped, matching the best-effort, no
// backpressure semantics of the underlying onion packet transport.
const inboxDepth = 1000

// register allocates and returns the inbound channel for dock, replacing
// any previous registration.
func (r *Router) register(dock fingerprint.Dock) chan inbound {
	s := r.shardFor(dock)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan inbound, inboxDepth)
	s.docks[dock] = ch
	return ch
}

// unregister removes dock's registration.
func (r *Router) unregister(dock fingerprint.Dock) {
	s := r.shardFor(dock)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docks, dock)
}

// Dispatch delivers body/src to dock's bound socket, if any, dropping it
// silently if the dock is unbound or its inbox is full.
func (r *Router) Dispatch(dock fingerprint.Dock, body []byte, src fingerprint.Endpoint) {
	s := r.shardFor(dock)
	s.mu.RLock()
	ch, ok := s.docks[dock]
	s.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- inbound{body: body, src: src}:
	default:
	}
}
