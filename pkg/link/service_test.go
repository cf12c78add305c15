package link

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/rpc"
	"github.com/earendil-project/overlayd/pkg/topology"
)

type staticNeighbors map[fingerprint.Fingerprint]bool

func (s staticNeighbors) HasNeighbor(fp fingerprint.Fingerprint) bool { return s[fp] }

func mustIdentity(t *testing.T) fingerprint.IdentitySecret {
	t.Helper()
	id, err := fingerprint.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func TestAuthenticateSignsMuxPublicKey(t *testing.T) {
	id := mustIdentity(t)
	svc := NewService(id, topology.New(), staticNeighbors{})

	muxPK := []byte("session-public-key-bytes-32-long")
	resp, err := svc.Authenticate(muxPK)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !resp.Verify(muxPK) {
		t.Fatal("expected signature to verify against the multiplex public key")
	}
	if resp.Verify([]byte("a different multiplex public key")) {
		t.Fatal("expected verification to fail for another session's key")
	}
}

func TestSignAdjacencyRejectsWrongSide(t *testing.T) {
	me := mustIdentity(t)
	other := mustIdentity(t)
	svc := NewService(me, topology.New(), staticNeighbors{})

	adj := topology.AdjacencyDescriptor{
		Left:      other.Public().Fingerprint(),
		Right:     other.Public().Fingerprint(), // deliberately not my fingerprint
		Timestamp: time.Now(),
	}
	signed, err := svc.SignAdjacency(adj)
	if err != nil {
		t.Fatalf("SignAdjacency: %v", err)
	}
	if signed != nil {
		t.Fatal("expected a null result when right side is not this node")
	}
}

func TestSignAdjacencyAcceptsKnownNeighbor(t *testing.T) {
	me := mustIdentity(t)
	myFP := me.Public().Fingerprint()

	// Regenerate the neighbor until its fingerprint sorts before ours, so
	// the left/right invariant holds deterministically rather than by luck.
	var left fingerprint.IdentitySecret
	var leftFP fingerprint.Fingerprint
	for i := 0; i < 100; i++ {
		left = mustIdentity(t)
		leftFP = left.Public().Fingerprint()
		if leftFP.Less(myFP) {
			break
		}
	}
	if !leftFP.Less(myFP) {
		t.Fatal("could not generate a neighbor fingerprint sorting before ours")
	}

	graph := topology.New()
	graph.InsertIdentity(topology.IdentityDescriptor{PublicKey: left.Public(), IsRelay: true})
	graph.InsertIdentity(topology.IdentityDescriptor{PublicKey: me.Public(), IsRelay: true})

	svc := NewService(me, graph, staticNeighbors{leftFP: true})

	adj := topology.AdjacencyDescriptor{Left: leftFP, Right: myFP, Timestamp: time.Now()}
	adj.LeftSig = left.Sign(adj.ToSign())

	signed, err := svc.SignAdjacency(adj)
	if err != nil {
		t.Fatalf("SignAdjacency: %v", err)
	}
	if signed == nil {
		t.Fatal("expected a signed descriptor back")
	}
	if len(signed.RightSig) == 0 {
		t.Fatal("expected RightSig to be filled in")
	}
	if !signed.Verify(left.Public(), me.Public()) {
		t.Fatal("expected fully-signed adjacency to verify")
	}
}

func TestRespondRawDispatchesInfo(t *testing.T) {
	id := mustIdentity(t)
	svc := NewService(id, topology.New(), staticNeighbors{})

	req, err := rpc.NewRequest("7", "info", struct{}{})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp := svc.RespondRaw(req, nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var out InfoResponse
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.Version == "" {
		t.Fatal("expected a non-empty version")
	}
}

func TestRespondRawUnknownMethod(t *testing.T) {
	id := mustIdentity(t)
	svc := NewService(id, topology.New(), staticNeighbors{})

	req, _ := rpc.NewRequest("1", "bogus_method", struct{}{})
	resp := svc.RespondRaw(req, nil)
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown method")
	}
}
