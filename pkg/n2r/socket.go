package n2r

import (
	"context"
	"fmt"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/overlay"
	"github.com/earendil-project/overlayd/pkg/replyblock"
	"github.com/earendil-project/overlayd/pkg/topology"
)

// RouteHops bounds the length of a freshly-selected source route when no
// reply block is available.
const RouteHops = 3

// Socket is a single bound dock: send datagrams to any endpoint (by fresh
// source route, or by consuming a stored reply block), and receive
// whatever the Router dispatches to this dock.
type Socket struct {
	identity  fingerprint.IdentitySecret
	dock      fingerprint.Dock
	forwarder overlay.Forwarder
	graph     *topology.Graph
	replies   *replyblock.SyncStore
	router    *Router
	inbox     chan inbound
}

// Bind reserves a dock with the forwarder and registers it with router
// for inbound dispatch. A zero dock requests forwarder-assigned
// allocation.
func Bind(identity fingerprint.IdentitySecret, dock fingerprint.Dock, forwarder overlay.Forwarder, graph *topology.Graph, replies *replyblock.SyncStore, router *Router) (*Socket, error) {
	actual, err := forwarder.Bind(identity.Public(), dock)
	if err != nil {
		return nil, fmt.Errorf("n2r: bind dock: %w", err)
	}
	return &Socket{
		identity:  identity,
		dock:      actual,
		forwarder: forwarder,
		graph:     graph,
		replies:   replies,
		router:    router,
		inbox:     router.register(actual),
	}, nil
}

// LocalEndpoint returns this socket's bound fingerprint and dock.
func (s *Socket) LocalEndpoint() fingerprint.Endpoint {
	return fingerprint.NewEndpoint(s.identity.Public().Fingerprint(), s.dock)
}

// SendTo routes body to dest, preferring a stored reply block (which
// requires no onward route lookup and leaves the sender anonymous to dest)
// and falling back to building a fresh forward packet over a selected
// relay route.
func (s *Socket) SendTo(ctx context.Context, body []byte, dest fingerprint.Endpoint) error {
	if rb, ok := s.replies.Get(dest.Fingerprint); ok {
		pkt, err := s.forwarder.BuildReply(rb, body)
		if err != nil {
			return fmt.Errorf("n2r: build reply packet: %w", err)
		}
		return s.forwarder.Transmit(ctx, pkt)
	}

	route, err := s.selectRoute(dest.Fingerprint)
	if err != nil {
		return fmt.Errorf("n2r: select route: %w", err)
	}
	pkt, err := s.forwarder.BuildForward(route, s.LocalEndpoint(), dest, body)
	if err != nil {
		return fmt.Errorf("n2r: build forward packet: %w", err)
	}
	return s.forwarder.Transmit(ctx, pkt)
}

// selectRoute walks the relay graph from dest outward until RouteHops
// relays are collected. Route-selection policy beyond hop count is left
// to the embedder's Forwarder; this daemon only needs enough of a route
// to exercise the relay graph it gossips.
func (s *Socket) selectRoute(dest fingerprint.Fingerprint) ([]fingerprint.Fingerprint, error) {
	route := []fingerprint.Fingerprint{dest}
	current := dest
	seen := map[fingerprint.Fingerprint]bool{dest: true}

	for len(route) < RouteHops {
		adjs := s.graph.Adjacencies(current)
		advanced := false
		for _, adj := range adjs {
			next := adj.Left
			if next == current {
				next = adj.Right
			}
			if seen[next] {
				continue
			}
			route = append(route, next)
			seen[next] = true
			current = next
			advanced = true
			break
		}
		if !advanced {
			break
		}
	}
	return route, nil
}

// RecvFrom blocks for the next datagram dispatched to this socket.
func (s *Socket) RecvFrom(ctx context.Context) ([]byte, fingerprint.Endpoint, error) {
	select {
	case msg := <-s.inbox:
		return msg.body, msg.src, nil
	case <-ctx.Done():
		return nil, fingerprint.Endpoint{}, ctx.Err()
	}
}

// Close unregisters this socket's dock.
func (s *Socket) Close() {
	s.router.unregister(s.dock)
}
