// Package topology implements the gossiped relay-graph / identity store
// used for source-route construction.
package topology

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
)

// IdentityDescriptor describes a node's long-term public identity.
type IdentityDescriptor struct {
	PublicKey fingerprint.IdentityPublic `json:"public_key"`
	IsRelay   bool                       `json:"is_relay"`
}

// Fingerprint returns the fingerprint of the described identity.
func (d IdentityDescriptor) Fingerprint() fingerprint.Fingerprint {
	return d.PublicKey.Fingerprint()
}

// AdjacencyDescriptor describes a signed edge between two relays. The
// invariant Left < Right (by Fingerprint total order) must hold before the
// descriptor is considered complete.
type AdjacencyDescriptor struct {
	Left      fingerprint.Fingerprint `json:"left"`
	Right     fingerprint.Fingerprint `json:"right"`
	LeftSig   []byte                  `json:"left_sig"`
	RightSig  []byte                  `json:"right_sig"`
	Timestamp time.Time               `json:"timestamp"`
}

// ToSign returns the canonical bytes both sides sign over.
func (a AdjacencyDescriptor) ToSign() []byte {
	buf := make([]byte, 0, fingerprint.Size*2+8)
	buf = append(buf, a.Left[:]...)
	buf = append(buf, a.Right[:]...)
	ts := a.Timestamp.Unix()
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(ts>>(8*uint(i))))
	}
	return buf
}

// Verify checks both signatures against the supplied public keys.
func (a AdjacencyDescriptor) Verify(leftPK, rightPK fingerprint.IdentityPublic) bool {
	msg := a.ToSign()
	return leftPK.Verify(msg, a.LeftSig) && rightPK.Verify(msg, a.RightSig)
}

// Graph is the ordered set of Identity Descriptors plus the undirected set
// of Adjacency Descriptors it gossips between neighbors. Many concurrent
// readers, one exclusive writer.
type Graph struct {
	mu          sync.RWMutex
	identities  map[fingerprint.Fingerprint]IdentityDescriptor
	adjacencies map[fingerprint.Fingerprint]map[fingerprint.Fingerprint]AdjacencyDescriptor
}

// New constructs an empty relay graph.
func New() *Graph {
	return &Graph{
		identities:  make(map[fingerprint.Fingerprint]IdentityDescriptor),
		adjacencies: make(map[fingerprint.Fingerprint]map[fingerprint.Fingerprint]AdjacencyDescriptor),
	}
}

// InsertIdentity adds or replaces an identity descriptor.
func (g *Graph) InsertIdentity(d IdentityDescriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.identities[d.Fingerprint()] = d
}

// Identity looks up a node's identity descriptor.
func (g *Graph) Identity(fp fingerprint.Fingerprint) (IdentityDescriptor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.identities[fp]
	return d, ok
}

// InsertAdjacency inserts a fully-signed adjacency. It rejects duplicates
// and mis-signed entries.
func (g *Graph) InsertAdjacency(a AdjacencyDescriptor) error {
	if !a.Left.Less(a.Right) {
		return fmt.Errorf("topology: adjacency left must be less than right")
	}
	leftID, ok := g.Identity(a.Left)
	if !ok {
		return fmt.Errorf("topology: unknown left identity %s", a.Left)
	}
	rightID, ok := g.Identity(a.Right)
	if !ok {
		return fmt.Errorf("topology: unknown right identity %s", a.Right)
	}
	if !a.Verify(leftID.PublicKey, rightID.PublicKey) {
		return fmt.Errorf("topology: adjacency signature verification failed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.adjacencies[a.Left][a.Right]; exists {
		return fmt.Errorf("topology: duplicate adjacency %s-%s", a.Left, a.Right)
	}
	if g.adjacencies[a.Left] == nil {
		g.adjacencies[a.Left] = make(map[fingerprint.Fingerprint]AdjacencyDescriptor)
	}
	if g.adjacencies[a.Right] == nil {
		g.adjacencies[a.Right] = make(map[fingerprint.Fingerprint]AdjacencyDescriptor)
	}
	g.adjacencies[a.Left][a.Right] = a
	g.adjacencies[a.Right][a.Left] = a
	return nil
}

// Adjacencies returns every adjacency incident to fp.
func (g *Graph) Adjacencies(fp fingerprint.Fingerprint) []AdjacencyDescriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	neighs := g.adjacencies[fp]
	out := make([]AdjacencyDescriptor, 0, len(neighs))
	for _, a := range neighs {
		out = append(out, a)
	}
	return out
}

// AllAdjacencies returns every adjacency in the graph, deduplicated
// (each undirected edge appears once, keyed by Left).
func (g *Graph) AllAdjacencies() []AdjacencyDescriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[[2]fingerprint.Fingerprint]bool)
	out := make([]AdjacencyDescriptor, 0)
	for _, neighs := range g.adjacencies {
		for _, a := range neighs {
			key := [2]fingerprint.Fingerprint{a.Left, a.Right}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Left.Less(out[j].Left) })
	return out
}

// AllNodes returns the fingerprints of every node that appears in at least
// one adjacency.
func (g *Graph) AllNodes() []fingerprint.Fingerprint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]fingerprint.Fingerprint, 0, len(g.adjacencies))
	for fp := range g.adjacencies {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// RelayAdjacencies returns only the adjacencies incident to fps whose
// endpoints are both relays, deduplicated. Backs the Link Protocol's
// adjacencies() RPC.
func (g *Graph) RelayAdjacencies(fps []fingerprint.Fingerprint) []AdjacencyDescriptor {
	seen := make(map[[2]fingerprint.Fingerprint]bool)
	out := make([]AdjacencyDescriptor, 0)
	for _, fp := range fps {
		for _, a := range g.Adjacencies(fp) {
			leftID, ok := g.Identity(a.Left)
			if !ok || !leftID.IsRelay {
				continue
			}
			rightID, ok := g.Identity(a.Right)
			if !ok || !rightID.IsRelay {
				continue
			}
			key := [2]fingerprint.Fingerprint{a.Left, a.Right}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, a)
		}
	}
	return out
}
