// Package control implements the administrative RPC surface an operator
// or local application drives this daemon with: binding sockets,
// sending/receiving through them, dumping the relay graph, and reaching
// the global RPC / rendezvous layer. The surface is served as
// line-delimited JSON-RPC 2.0 over a plain TCP listener.
package control

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"github.com/earendil-project/overlayd/pkg/config"
	overlayerr "github.com/earendil-project/overlayd/pkg/errors"
	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/haven"
	"github.com/earendil-project/overlayd/pkg/identity"
	"github.com/earendil-project/overlayd/pkg/logger"
	"github.com/earendil-project/overlayd/pkg/n2r"
	"github.com/earendil-project/overlayd/pkg/overlay"
	"github.com/earendil-project/overlayd/pkg/replyblock"
	"github.com/earendil-project/overlayd/pkg/rpc"
	"github.com/earendil-project/overlayd/pkg/topology"
)

// ErrNoSocket is returned by any operation naming a socket_id that was
// never bound.
var ErrNoSocket = fmt.Errorf("control: no socket bound for this socket_id")

// dhtTimeout bounds every DHT call issued on behalf of the control
// surface.
const dhtTimeout = 30 * time.Second

// NeighborLister reports this node's currently-connected link neighbors,
// supplied by the daemon wiring that owns the live set of
// pkg/link.Connections.
type NeighborLister interface {
	AllNeighbors() []fingerprint.Fingerprint
}

// SendMessageArgs is send_message's parameter object.
type SendMessageArgs struct {
	SocketID    string               `json:"socket_id"`
	Destination fingerprint.Endpoint `json:"destination"`
	Content     []byte               `json:"content"`
}

// GlobalRPCArgs is send_global_rpc's parameter object.
type GlobalRPCArgs struct {
	Destination fingerprint.Endpoint `json:"destination"`
	Method      string               `json:"method"`
	Args        json.RawMessage      `json:"args"`
}

// Protocol implements the administrative control surface over this
// node's identity, anon-identity cache, relay graph, and socket layers.
type Protocol struct {
	identity  fingerprint.IdentitySecret
	anon      *identity.AnonCache
	forwarder overlay.Forwarder
	graph     *topology.Graph
	replies   *replyblock.SyncStore
	router    *n2r.Router
	dht       overlay.DHT
	neighbors NeighborLister

	inRoutes map[string]config.InRouteConfig
	havens   []config.HavenConfig

	sockets *registry
	log     *logger.Logger
}

// NewProtocol constructs a Protocol over this node's layers.
func NewProtocol(
	id fingerprint.IdentitySecret,
	anon *identity.AnonCache,
	forwarder overlay.Forwarder,
	graph *topology.Graph,
	replies *replyblock.SyncStore,
	router *n2r.Router,
	dht overlay.DHT,
	neighbors NeighborLister,
	inRoutes map[string]config.InRouteConfig,
	havens []config.HavenConfig,
	log *logger.Logger,
) *Protocol {
	return &Protocol{
		identity: id, anon: anon, forwarder: forwarder, graph: graph,
		replies: replies, router: router, dht: dht, neighbors: neighbors,
		inRoutes: inRoutes, havens: havens,
		sockets: newRegistry(), log: log,
	}
}

func (p *Protocol) resolveIdentity(anonID *string) fingerprint.IdentitySecret {
	if anonID == nil {
		return p.identity
	}
	return p.anon.Get(*anonID)
}

// BindN2R binds a plain n2r socket under socketID, using anonID's derived
// identity if given or this node's own identity otherwise.
func (p *Protocol) BindN2R(socketID string, anonID *string, dock fingerprint.Dock) error {
	isk := p.resolveIdentity(anonID)
	skt, err := n2r.Bind(isk, dock, p.forwarder, p.graph, p.replies, p.router)
	if err != nil {
		return fmt.Errorf("control: bind_n2r: %w", err)
	}
	p.sockets.put(socketID, skt)
	return nil
}

// BindHaven binds an end-to-end encrypted haven socket under socketID. If
// rendezvousPoint is non-nil this socket also runs the background
// rendezvous registration loop.
func (p *Protocol) BindHaven(ctx context.Context, socketID string, anonID *string, dock fingerprint.Dock, rendezvousPoint *fingerprint.Fingerprint) error {
	isk := p.resolveIdentity(anonID)
	n2rSkt, err := n2r.Bind(isk, dock, p.forwarder, p.graph, p.replies, p.router)
	if err != nil {
		return fmt.Errorf("control: bind_haven: %w", err)
	}
	havenSkt := haven.Bind(ctx, isk, n2rSkt, rendezvousPoint, p.dht, p.log)
	p.sockets.put(socketID, havenSkt)
	return nil
}

// SktInfo reports the bound endpoint of socketID.
func (p *Protocol) SktInfo(socketID string) (fingerprint.Endpoint, error) {
	skt, ok := p.sockets.get(socketID)
	if !ok {
		return fingerprint.Endpoint{}, ErrNoSocket
	}
	return skt.LocalEndpoint(), nil
}

// HavenEntry is one row of havens_info's result.
type HavenEntry struct {
	Label    string `json:"label"`
	Endpoint string `json:"endpoint"`
}

// HavensInfo reports every configured server-side haven and the endpoint
// it listens on. Forward handlers (UDP/TCP/proxy upstreams) live in the
// embedding application, so only the label and endpoint are reported.
func (p *Protocol) HavensInfo() []HavenEntry {
	out := make([]HavenEntry, 0, len(p.havens))
	for _, h := range p.havens {
		isk := p.anon.Get(h.Label)
		ep := fingerprint.NewEndpoint(isk.Public().Fingerprint(), fingerprint.Dock(h.ListenDock))
		out = append(out, HavenEntry{Label: h.Label, Endpoint: ep.String()})
	}
	return out
}

// SendMessage sends content through a previously-bound socket.
func (p *Protocol) SendMessage(ctx context.Context, args SendMessageArgs) error {
	skt, ok := p.sockets.get(args.SocketID)
	if !ok {
		return ErrNoSocket
	}
	return skt.SendTo(ctx, args.Content, args.Destination)
}

// RecvMessage blocks for the next datagram delivered to a bound socket.
func (p *Protocol) RecvMessage(ctx context.Context, socketID string) ([]byte, fingerprint.Endpoint, error) {
	skt, ok := p.sockets.get(socketID)
	if !ok {
		return nil, fingerprint.Endpoint{}, ErrNoSocket
	}
	return skt.RecvFrom(ctx)
}

// routeCookie derives this in-route's public transport cookie from its
// configured secret: a BLAKE3 hash of the secret taken as an Ed25519
// seed, re-derived to its public half. Peers present the cookie when
// connecting, so only the public half ever leaves this node.
func routeCookie(secret string) string {
	h := blake3.Sum256([]byte(secret))
	isk := fingerprint.FromSeed(h[:])
	return hex.EncodeToString(isk.Public().Bytes())
}

// MyRoutes reports every in-route this node listens on along with the
// public cookie peers need to connect.
func (p *Protocol) MyRoutes() map[string]interface{} {
	myFP := p.identity.Public().Fingerprint()
	out := make(map[string]interface{}, len(p.inRoutes))
	for name, route := range p.inRoutes {
		out[name] = map[string]string{
			"fingerprint": myFP.String(),
			"connect":     "<YOUR_IP>:" + portOf(route.Listen),
			"cookie":      routeCookie(route.Secret),
		}
	}
	return out
}

func portOf(listen string) string {
	idx := strings.LastIndex(listen, ":")
	if idx < 0 {
		return listen
	}
	return listen[idx+1:]
}

// GraphDump renders the relay graph and this node's live neighbors,
// either as a human-readable summary (relay-to-relay edges only) or as
// Graphviz `dot` source.
func (p *Protocol) GraphDump(human bool) string {
	myFP := p.identity.Public().Fingerprint().String()
	mode := "client"
	if len(p.inRoutes) > 0 {
		mode = "relay"
	}

	neighs := p.neighbors.AllNeighbors()
	sort.Slice(neighs, func(i, j int) bool { return neighs[i].Less(neighs[j]) })
	var neighLines strings.Builder
	for _, n := range neighs {
		fmt.Fprintf(&neighLines, "%s\n", n)
	}

	if human {
		var adjLines strings.Builder
		for _, a := range p.graph.AllAdjacencies() {
			leftID, lok := p.graph.Identity(a.Left)
			rightID, rok := p.graph.Identity(a.Right)
			if !lok || !rok || !leftID.IsRelay || !rightID.IsRelay {
				continue
			}
			fmt.Fprintf(&adjLines, "%s -- %s\n", a.Left, a.Right)
		}
		return fmt.Sprintf("My fingerprint:\n%s    [%s]\n\nMy neighbors:\n%s\nRelay graph:\n%s",
			myFP, mode, neighLines.String(), adjLines.String())
	}

	var adjLines strings.Builder
	for _, a := range p.graph.AllAdjacencies() {
		fmt.Fprintf(&adjLines, "%q -> %q;\n", a.Left.String(), a.Right.String())
	}
	var nodeLines strings.Builder
	for _, n := range p.graph.AllNodes() {
		s := n.String()
		fmt.Fprintf(&nodeLines, "%q [label=\"%s..%s\"]\n", s, s[:4], s[len(s)-4:])
	}
	return fmt.Sprintf(`digraph G {
	subgraph cluster_0 {
		color=lightblue;
		label="myself      [%s]";
		node [shape=Mdiamond,color=lightblue,style=filled];
		%q
	}
	subgraph cluster_1 {
		color=lightpink
		label="my neighbors";
		node [color=lightpink,style=filled]
		%s
	}
	%s
	%s
}
`, mode, myFP, neighLines.String(), nodeLines.String(), adjLines.String())
}

// SendGlobalRPC issues a global RPC call through a freshly-minted anon
// identity, so repeated calls never share a linkable sender identity.
// Callers wanting a persistent pseudonym bind an n2r socket under a
// labeled anon identity instead.
func (p *Protocol) SendGlobalRPC(ctx context.Context, args GlobalRPCArgs) (json.RawMessage, error) {
	anonID, err := fingerprint.Generate()
	if err != nil {
		return nil, fmt.Errorf("control: generate anon identity: %w", err)
	}
	skt, err := n2r.Bind(anonID, 0, p.forwarder, p.graph, p.replies, p.router)
	if err != nil {
		return nil, fmt.Errorf("control: bind ephemeral socket: %w", err)
	}
	defer skt.Close()

	transport := rpc.NewN2RTransport(skt, fingerprint.NewEndpoint(args.Destination.Fingerprint, rpc.GlobalRPCDock))
	req, err := rpc.NewRequest("0", args.Method, args.Args)
	if err != nil {
		return nil, fmt.Errorf("control: build global rpc request: %w", err)
	}
	resp, err := transport.CallRaw(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("control: send_global_rpc: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// InsertRendezvous publishes locator to the DHT under its owner's
// fingerprint.
func (p *Protocol) InsertRendezvous(ctx context.Context, locator haven.Locator) error {
	encoded, err := json.Marshal(locator)
	if err != nil {
		return fmt.Errorf("control: marshal locator: %w", err)
	}
	insertCtx, cancel := context.WithTimeout(ctx, dhtTimeout)
	defer cancel()
	return p.dht.Insert(insertCtx, locator.Identity.Fingerprint(), encoded)
}

// GetRendezvous looks up a haven's published locator by identity
// fingerprint. A lookup exceeding dhtTimeout surfaces as a pkg/errors
// TimeoutError ("get_rendezvous timed out") rather than a plain context
// error.
func (p *Protocol) GetRendezvous(ctx context.Context, fp fingerprint.Fingerprint) (*haven.Locator, error) {
	getCtx, cancel := context.WithTimeout(ctx, dhtTimeout)
	defer cancel()
	data, err := p.dht.Get(getCtx, fp)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, overlayerr.TimeoutError("get_rendezvous timed out", err)
		}
		return nil, fmt.Errorf("control: get_rendezvous: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var loc haven.Locator
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("control: decode locator: %w", err)
	}
	return &loc, nil
}

// Close tears down every socket this Protocol has bound.
func (p *Protocol) Close() {
	p.sockets.closeAll()
}
