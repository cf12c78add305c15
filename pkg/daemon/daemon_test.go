package daemon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/earendil-project/overlayd/pkg/config"
	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/logger"
	"github.com/earendil-project/overlayd/pkg/overlay"
)

type fakeForwarder struct{}

func (f *fakeForwarder) BuildForward(route []fingerprint.Fingerprint, src, dest fingerprint.Endpoint, body []byte) (overlay.RawPacket, error) {
	var pkt overlay.RawPacket
	copy(pkt[:], body)
	return pkt, nil
}

func (f *fakeForwarder) BuildReply(rb overlay.ReplyBlock, body []byte) (overlay.RawPacket, error) {
	var pkt overlay.RawPacket
	copy(pkt[:], body)
	return pkt, nil
}

func (f *fakeForwarder) Open(pkt overlay.RawPacket) ([]byte, fingerprint.Endpoint, fingerprint.Dock, *overlay.ReplyBlock, error) {
	return nil, fingerprint.Endpoint{}, 0, nil, nil
}

func (f *fakeForwarder) Bind(identity fingerprint.IdentityPublic, dock fingerprint.Dock) (fingerprint.Dock, error) {
	if dock == 0 {
		return 1, nil
	}
	return dock, nil
}

func (f *fakeForwarder) Transmit(ctx context.Context, pkt overlay.RawPacket) error { return nil }

type fakeDHT struct{}

func (d *fakeDHT) Insert(ctx context.Context, key fingerprint.Fingerprint, value []byte) error {
	return nil
}
func (d *fakeDHT) Get(ctx context.Context, key fingerprint.Fingerprint) ([]byte, error) {
	return nil, nil
}

// tcpTransport is a minimal overlay.PacketTransport over plain TCP, standing
// in for the embedder-provided obfuscated transport in tests.
type tcpTransport struct{}

func (tcpTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (tcpTransport) Listen(ctx context.Context, addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func mustIdentity(t *testing.T) fingerprint.IdentitySecret {
	t.Helper()
	id, err := fingerprint.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func newTestDaemon(t *testing.T, relay bool) *Daemon {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ControlListenAddr = "127.0.0.1:0"
	if relay {
		cfg.Relay = true
		cfg.InRoutes = map[string]config.InRouteConfig{
			"main": {Listen: "127.0.0.1:0", Secret: "test-secret"},
		}
	}
	return New(cfg, mustIdentity(t), &fakeForwarder{}, &fakeDHT{}, tcpTransport{}, logger.NewDefault())
}

func TestNewRegistersOwnIdentityAsRelayOrClient(t *testing.T) {
	relay := newTestDaemon(t, true)
	id, ok := relay.graph.Identity(relay.identity.Public().Fingerprint())
	if !ok || !id.IsRelay {
		t.Fatal("expected relay daemon's own identity to be marked IsRelay")
	}

	client := newTestDaemon(t, false)
	id, ok = client.graph.Identity(client.identity.Public().Fingerprint())
	if !ok || id.IsRelay {
		t.Fatal("expected client daemon's own identity to not be marked IsRelay")
	}
}

func TestHasNeighborAndAllNeighborsStartEmpty(t *testing.T) {
	d := newTestDaemon(t, false)
	if d.HasNeighbor(mustIdentity(t).Public().Fingerprint()) {
		t.Fatal("expected no neighbors before any connection is adopted")
	}
	if len(d.AllNeighbors()) != 0 {
		t.Fatal("expected an empty neighbor list before any connection is adopted")
	}
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	d := newTestDaemon(t, false)
	d.Stop()
}

func TestDialNeighborEstablishesLiveConnection(t *testing.T) {
	relay := newTestDaemon(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := relay.Start(ctx); err != nil {
		t.Fatalf("relay.Start: %v", err)
	}
	defer relay.Stop()

	relayAddr := relay.listeners[0].Addr().String()

	client := newTestDaemon(t, false)
	defer client.Stop()

	if err := client.DialNeighbor(ctx, relayAddr); err != nil {
		t.Fatalf("DialNeighbor: %v", err)
	}

	if !client.HasNeighbor(relay.identity.Public().Fingerprint()) {
		t.Fatal("expected the client to recognize the relay as a neighbor")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if relay.HasNeighbor(client.identity.Public().Fingerprint()) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the relay to eventually recognize the client as a neighbor")
}

func TestBootstrapGraphLearnsRelayIdentityThroughLiveConnection(t *testing.T) {
	relay := newTestDaemon(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := relay.Start(ctx); err != nil {
		t.Fatalf("relay.Start: %v", err)
	}
	defer relay.Stop()
	relayAddr := relay.listeners[0].Addr().String()

	client := newTestDaemon(t, false)
	defer client.Stop()
	if err := client.DialNeighbor(ctx, relayAddr); err != nil {
		t.Fatalf("DialNeighbor: %v", err)
	}

	relayFP := relay.identity.Public().Fingerprint()
	if err := client.BootstrapGraph(ctx, []fingerprint.Fingerprint{relayFP}, 1); err != nil {
		t.Fatalf("BootstrapGraph: %v", err)
	}

	id, ok := client.graph.Identity(relayFP)
	if !ok {
		t.Fatal("expected the client's graph to learn the relay's identity")
	}
	if !id.IsRelay {
		t.Fatal("expected the learned identity to be marked IsRelay")
	}
}

func TestRelayPairGossipsSignedAdjacencyIntoBothGraphs(t *testing.T) {
	relayA := newTestDaemon(t, true)
	relayB := newTestDaemon(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := relayA.Start(ctx); err != nil {
		t.Fatalf("relayA.Start: %v", err)
	}
	defer relayA.Stop()

	if err := relayB.DialNeighbor(ctx, relayA.listeners[0].Addr().String()); err != nil {
		t.Fatalf("DialNeighbor: %v", err)
	}
	defer relayB.Stop()

	aFP := relayA.identity.Public().Fingerprint()
	bFP := relayB.identity.Public().Fingerprint()

	// The lower-sorting side proposes the adjacency on its first gossip
	// round; the countersigning side inserts it on acceptance, the
	// proposer on the returned descriptor.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(relayA.graph.Adjacencies(aFP)) > 0 && len(relayB.graph.Adjacencies(bFP)) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected the pairwise adjacency in both graphs, got A=%d B=%d",
		len(relayA.graph.Adjacencies(aFP)), len(relayB.graph.Adjacencies(bFP)))
}

func TestBootstrapGraphSkipsUnreachableSeeds(t *testing.T) {
	client := newTestDaemon(t, false)
	defer client.Stop()

	unreachable := mustIdentity(t).Public().Fingerprint()
	err := client.BootstrapGraph(context.Background(), []fingerprint.Fingerprint{unreachable}, 1)
	if err != nil {
		t.Fatalf("expected BootstrapGraph to tolerate unreachable seeds, got: %v", err)
	}
}
