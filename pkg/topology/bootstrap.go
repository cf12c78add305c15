package topology

import (
	"context"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
)

// RemoteGraphReader is the subset of the Link RPC client (pkg/link)
// Bootstrap needs: read-through identity and adjacency queries against a
// specific neighbor. Declared locally to avoid an import cycle with
// pkg/link, which itself depends on pkg/topology.
type RemoteGraphReader interface {
	Identity(ctx context.Context, fp fingerprint.Fingerprint) (IdentityDescriptor, bool, error)
	Adjacencies(ctx context.Context, fps []fingerprint.Fingerprint) ([]AdjacencyDescriptor, error)
}

// Bootstrap walks the graph outward from seeds by breadth-first querying
// adjacencies() over dialer, capped at hopBudget hops, merging every
// identity and adjacency it discovers into g. Unreachable nodes are
// skipped, not fatal: whatever portion of the graph is reachable this
// round is still learned, and the periodic gossip loop fills in the rest.
func Bootstrap(ctx context.Context, g *Graph, dialer func(fingerprint.Fingerprint) (RemoteGraphReader, error), seeds []fingerprint.Fingerprint, hopBudget int) error {
	frontier := append([]fingerprint.Fingerprint(nil), seeds...)
	visited := make(map[fingerprint.Fingerprint]bool)

	for hop := 0; hop < hopBudget && len(frontier) > 0; hop++ {
		next := make([]fingerprint.Fingerprint, 0)
		for _, fp := range frontier {
			if visited[fp] {
				continue
			}
			visited[fp] = true

			remote, err := dialer(fp)
			if err != nil {
				continue
			}

			if id, ok, err := remote.Identity(ctx, fp); err == nil && ok {
				g.InsertIdentity(id)
			}

			adjs, err := remote.Adjacencies(ctx, []fingerprint.Fingerprint{fp})
			if err != nil {
				continue
			}
			for _, a := range adjs {
				_ = g.InsertAdjacency(a)
				if !visited[a.Left] {
					next = append(next, a.Left)
				}
				if !visited[a.Right] {
					next = append(next, a.Right)
				}
			}
		}
		frontier = next
	}
	return nil
}
