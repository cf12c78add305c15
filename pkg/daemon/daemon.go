// Package daemon wires every layer of this node together: the relay
// graph, reply-block store, anon-identity cache, n2r router and
// dispatcher, live link connections, and the administrative control
// surface.
package daemon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/earendil-project/overlayd/pkg/config"
	"github.com/earendil-project/overlayd/pkg/control"
	overlayerr "github.com/earendil-project/overlayd/pkg/errors"
	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/globalrpc"
	"github.com/earendil-project/overlayd/pkg/identity"
	"github.com/earendil-project/overlayd/pkg/link"
	"github.com/earendil-project/overlayd/pkg/logger"
	"github.com/earendil-project/overlayd/pkg/n2r"
	"github.com/earendil-project/overlayd/pkg/overlay"
	"github.com/earendil-project/overlayd/pkg/replyblock"
	"github.com/earendil-project/overlayd/pkg/rpc"
	"github.com/earendil-project/overlayd/pkg/supervise"
	"github.com/earendil-project/overlayd/pkg/topology"
)

// gossipInterval bounds how often a live connection's adjacency and
// identity information is re-fetched and merged into the local graph.
// Until the pairwise adjacency with the peer lands (the peer may refuse
// a proposal arriving before it has adopted the connection on its side),
// gossip retries at the shorter delay.
const (
	gossipInterval   = 60 * time.Second
	gossipRetryDelay = time.Second
)

// Daemon owns every long-lived collaborator this node needs and the set
// of live link.Connections to its neighbors.
type Daemon struct {
	cfg       *config.Config
	identity  fingerprint.IdentitySecret
	log       *logger.Logger
	graph     *topology.Graph
	replies   *replyblock.SyncStore
	anon      *identity.AnonCache
	router    *n2r.Router
	dispatch  *n2r.Dispatcher
	forwarder overlay.Forwarder
	dht       overlay.DHT
	transport overlay.PacketTransport

	linkService *link.Service
	globalRPC   *globalrpc.Service
	protocol    *control.Protocol
	server      *control.Server

	connsMu sync.RWMutex
	conns   map[fingerprint.Fingerprint]*link.Connection

	listenersMu sync.Mutex
	listeners   []net.Listener

	tasksMu sync.Mutex
	tasks   []*supervise.Handle
}

// New constructs a Daemon from its configuration and the embedder-supplied
// opaque collaborators (the onion crypto forwarder, the DHT, and the
// obfuscated packet transport).
func New(cfg *config.Config, id fingerprint.IdentitySecret, forwarder overlay.Forwarder, dht overlay.DHT, transport overlay.PacketTransport, log *logger.Logger) *Daemon {
	graph := topology.New()
	replies := replyblock.NewSync(cfg.ReplyBlockCapacity, cfg.ReplyBlockPerFingerprintCap)
	anon := identity.New(cfg.AnonCacheCapacity, cfg.AnonCacheIdleTTL)
	router := n2r.NewRouter()

	d := &Daemon{
		cfg: cfg, identity: id, log: log,
		graph: graph, replies: replies, anon: anon, router: router,
		dispatch:  n2r.NewDispatcher(forwarder, router, replies, log),
		forwarder: forwarder, dht: dht, transport: transport,
		conns: make(map[fingerprint.Fingerprint]*link.Connection),
	}
	d.linkService = link.NewService(id, graph, d)
	d.globalRPC = globalrpc.NewService(log)
	d.protocol = control.NewProtocol(id, anon, forwarder, graph, replies, router, dht, d, cfg.InRoutes, cfg.Havens, log)
	d.server = control.NewServer(cfg.ControlListenAddr, d.protocol, log)

	myID := topology.IdentityDescriptor{PublicKey: id.Public(), IsRelay: len(cfg.InRoutes) > 0}
	graph.InsertIdentity(myID)
	return d
}

// HasNeighbor reports whether fp names a presently-connected peer,
// satisfying link.NeighborLookup.
func (d *Daemon) HasNeighbor(fp fingerprint.Fingerprint) bool {
	d.connsMu.RLock()
	defer d.connsMu.RUnlock()
	_, ok := d.conns[fp]
	return ok
}

// AllNeighbors lists every presently-connected peer, satisfying
// control.NeighborLister.
func (d *Daemon) AllNeighbors() []fingerprint.Fingerprint {
	d.connsMu.RLock()
	defer d.connsMu.RUnlock()
	out := make([]fingerprint.Fingerprint, 0, len(d.conns))
	for fp := range d.conns {
		out = append(out, fp)
	}
	return out
}

// remoteGraphReader adapts a link.Client to topology.RemoteGraphReader,
// bridging the two packages' differing call shapes without introducing an
// import cycle (topology cannot import link, since link already imports
// topology).
type remoteGraphReader struct {
	client *link.Client
}

func (r remoteGraphReader) Identity(ctx context.Context, fp fingerprint.Fingerprint) (topology.IdentityDescriptor, bool, error) {
	id, err := r.client.Identity(ctx, fp)
	if err != nil {
		return topology.IdentityDescriptor{}, false, err
	}
	if id == nil {
		return topology.IdentityDescriptor{}, false, nil
	}
	return *id, true, nil
}

func (r remoteGraphReader) Adjacencies(ctx context.Context, fps []fingerprint.Fingerprint) ([]topology.AdjacencyDescriptor, error) {
	return r.client.Adjacencies(ctx, fps)
}

// BootstrapGraph walks the relay graph outward from seeds over whichever
// of them are presently-connected neighbors, per topology.Bootstrap.
// Non-neighbor seeds are skipped; repeated calls as new connections are
// adopted widen the reachable frontier.
func (d *Daemon) BootstrapGraph(ctx context.Context, seeds []fingerprint.Fingerprint, hopBudget int) error {
	return topology.Bootstrap(ctx, d.graph, d.remoteReaderFor, seeds, hopBudget)
}

func (d *Daemon) remoteReaderFor(fp fingerprint.Fingerprint) (topology.RemoteGraphReader, error) {
	d.connsMu.RLock()
	conn, ok := d.conns[fp]
	d.connsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("daemon: no live connection to %s", fp)
	}
	return remoteGraphReader{client: conn.LinkClient()}, nil
}

// Start brings up the control server, the global-RPC responder on the
// well-known dock, and, in relay mode, an inbound listener per
// configured in-route.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("daemon: start control server: %w", err)
	}

	globalSkt, err := n2r.Bind(d.identity, rpc.GlobalRPCDock, d.forwarder, d.graph, d.replies, d.router)
	if err != nil {
		return fmt.Errorf("daemon: bind global rpc dock: %w", err)
	}
	serve := supervise.Respawn(ctx, d.log, "global_rpc", func(ctx context.Context) error {
		return d.globalRPC.Serve(ctx, globalSkt)
	})
	d.tasksMu.Lock()
	d.tasks = append(d.tasks, serve)
	d.tasksMu.Unlock()

	for name, route := range d.cfg.InRoutes {
		if err := d.listenInRoute(ctx, name, route); err != nil {
			return fmt.Errorf("daemon: listen in-route %s: %w", name, err)
		}
	}
	return nil
}

func (d *Daemon) listenInRoute(ctx context.Context, name string, route config.InRouteConfig) error {
	listener, err := d.transport.Listen(ctx, route.Listen)
	if err != nil {
		return err
	}
	d.listenersMu.Lock()
	d.listeners = append(d.listeners, listener)
	d.listenersMu.Unlock()

	handle := supervise.Respawn(ctx, d.log, "in_route_accept:"+name, func(ctx context.Context) error {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go func() {
			linkConn, err := link.Accept(ctx, conn, d.identity, d.linkService, d.log)
			if err != nil {
				d.log.Warn("daemon: inbound handshake failed", "in_route", name, "error", err)
				return
			}
			d.adopt(ctx, linkConn)
		}()
		return nil
	})
	d.tasksMu.Lock()
	d.tasks = append(d.tasks, handle)
	d.tasksMu.Unlock()
	return nil
}

// ForwardRawPacket hands an outbound onion packet to hop's live link, or
// back through the local dispatcher when hop is this node. It satisfies
// the delivery sink pkg/oniontransport expects; delivery onto a link is
// lossy by contract.
func (d *Daemon) ForwardRawPacket(ctx context.Context, hop fingerprint.Fingerprint, pkt overlay.RawPacket) error {
	if hop == d.identity.Public().Fingerprint() {
		d.dispatch.HandleInbound(pkt)
		return nil
	}
	d.connsMu.RLock()
	conn, ok := d.conns[hop]
	d.connsMu.RUnlock()
	if !ok {
		return fmt.Errorf("daemon: no live link toward %s", hop)
	}
	conn.SendRawPacket(pkt)
	return nil
}

// DialNeighbor establishes an outbound link connection to addr and begins
// routing its traffic. Transient dial failures are retried under the
// default backoff policy; a failed handshake is terminal.
func (d *Daemon) DialNeighbor(ctx context.Context, addr string) error {
	var netConn net.Conn
	err := overlayerr.RetryWithPolicy(ctx, overlayerr.DefaultRetryPolicy(), func() error {
		c, err := d.transport.Dial(ctx, addr)
		if err != nil {
			return overlayerr.LinkError(fmt.Sprintf("dial %s", addr), err)
		}
		netConn = c
		return nil
	})
	if err != nil {
		return err
	}
	conn, err := link.Dial(ctx, netConn, d.identity, d.linkService, d.log)
	if err != nil {
		return fmt.Errorf("daemon: handshake with %s: %w", addr, err)
	}
	d.adopt(ctx, conn)
	return nil
}

// adopt registers a freshly-handshaked Connection and starts its packet
// pump and periodic gossip task.
func (d *Daemon) adopt(ctx context.Context, conn *link.Connection) {
	remoteFP := conn.RemoteIdentity().Fingerprint()
	// Seed the graph with the authenticated identity; gossip refines the
	// descriptor (relay flag) without this placeholder clobbering it.
	if _, known := d.graph.Identity(remoteFP); !known {
		d.graph.InsertIdentity(topology.IdentityDescriptor{PublicKey: conn.RemoteIdentity()})
	}

	d.connsMu.Lock()
	d.conns[remoteFP] = conn
	d.connsMu.Unlock()

	pump := supervise.Respawn(ctx, d.log, "packet_pump:"+remoteFP.String(), func(ctx context.Context) error {
		pkt, err := conn.RecvRawPacket(ctx)
		if err != nil {
			return err
		}
		d.dispatch.HandleInbound(pkt)
		return nil
	})
	gossip := supervise.Respawn(ctx, d.log, "gossip:"+remoteFP.String(), func(ctx context.Context) error {
		return d.gossipOnce(ctx, conn, remoteFP)
	})

	d.tasksMu.Lock()
	d.tasks = append(d.tasks, pump, gossip)
	d.tasksMu.Unlock()
}

// gossipOnce fetches the peer's known adjacencies incident to our own
// fingerprint and the peer's, merges any newly learnable ones, and, when
// this node sorts before the peer, proposes the pairwise adjacency for
// the peer's signature. The peer only countersigns descriptors where it
// is the right-hand side, so the lower-sorting side always proposes.
func (d *Daemon) gossipOnce(ctx context.Context, conn *link.Connection, remoteFP fingerprint.Fingerprint) error {
	client := conn.LinkClient()
	myFP := d.identity.Public().Fingerprint()

	// The peer's own descriptor carries its relay flag, which the link
	// handshake alone does not reveal.
	if id, err := client.Identity(ctx, remoteFP); err == nil && id != nil {
		d.graph.InsertIdentity(*id)
	}

	adjs, err := client.Adjacencies(ctx, []fingerprint.Fingerprint{myFP, remoteFP})
	if err == nil {
		for _, a := range adjs {
			d.graph.InsertAdjacency(a)
		}
	}

	wait := gossipInterval
	if myFP.Less(remoteFP) && !d.hasPairAdjacency(myFP, remoteFP) {
		incomplete := topology.AdjacencyDescriptor{Left: myFP, Right: remoteFP, Timestamp: time.Now()}
		incomplete.LeftSig = d.identity.Sign(incomplete.ToSign())
		if signed, err := client.SignAdjacency(ctx, incomplete); err == nil && signed != nil {
			d.graph.InsertAdjacency(*signed)
		} else {
			wait = gossipRetryDelay
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (d *Daemon) hasPairAdjacency(a, b fingerprint.Fingerprint) bool {
	for _, adj := range d.graph.Adjacencies(a) {
		if adj.Left == b || adj.Right == b {
			return true
		}
	}
	return false
}

// Stop tears down every supervised task, link connection and listener,
// then stops the control server. Tasks are canceled before the
// resources they block on are closed, and waited on only after.
func (d *Daemon) Stop() {
	d.tasksMu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.tasksMu.Unlock()
	for _, h := range tasks {
		h.Cancel()
	}

	d.listenersMu.Lock()
	for _, l := range d.listeners {
		l.Close()
	}
	d.listeners = nil
	d.listenersMu.Unlock()

	d.connsMu.Lock()
	for _, conn := range d.conns {
		conn.Close()
	}
	d.conns = make(map[fingerprint.Fingerprint]*link.Connection)
	d.connsMu.Unlock()

	for _, h := range tasks {
		h.Stop()
	}

	d.server.Stop()
}
