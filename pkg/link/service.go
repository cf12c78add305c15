package link

import (
	"encoding/json"
	"fmt"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/rpc"
	"github.com/earendil-project/overlayd/pkg/topology"
)

// NeighborLookup reports whether a fingerprint names a live link neighbor.
// Kept distinct from the gossiped topology.Graph, which models
// reachability rather than live connections.
type NeighborLookup interface {
	HasNeighbor(fp fingerprint.Fingerprint) bool
}

// Service implements Protocol against this node's identity and relay
// graph, and dispatches raw JSON-RPC requests arriving on the
// "n2n_control" substream.
type Service struct {
	identity  fingerprint.IdentitySecret
	graph     *topology.Graph
	neighbors NeighborLookup
}

// NewService constructs a Link Protocol Service bound to this node's
// identity, relay graph, and live-neighbor table.
func NewService(identity fingerprint.IdentitySecret, graph *topology.Graph, neighbors NeighborLookup) *Service {
	return &Service{identity: identity, graph: graph, neighbors: neighbors}
}

// Authenticate signs the serving connection's multiplex public key with
// this node's identity. The key is per-connection state, so the serving
// loop supplies it alongside each dispatched request.
func (s *Service) Authenticate(muxLocalPK []byte) (AuthResponse, error) {
	return NewAuthResponse(s.identity, muxLocalPK), nil
}

// Info reports this build's version.
func (s *Service) Info() (InfoResponse, error) {
	return NewInfoResponse(), nil
}

// SignAdjacency completes and signs an adjacency whose left side names a
// live neighbor and whose right side is this node. A failed precondition
// or graph insert yields a null result, not an RPC error: refusing to
// sign is policy, not failure.
func (s *Service) SignAdjacency(leftIncomplete topology.AdjacencyDescriptor) (*topology.AdjacencyDescriptor, error) {
	myFP := s.identity.Public().Fingerprint()
	valid := leftIncomplete.Left.Less(leftIncomplete.Right) &&
		leftIncomplete.Right == myFP &&
		s.neighbors.HasNeighbor(leftIncomplete.Left)
	if !valid {
		return nil, nil
	}
	leftIncomplete.RightSig = s.identity.Sign(leftIncomplete.ToSign())
	if err := s.graph.InsertAdjacency(leftIncomplete); err != nil {
		return nil, nil
	}
	return &leftIncomplete, nil
}

// Identity looks up a node's identity descriptor in the relay graph.
func (s *Service) Identity(fp fingerprint.Fingerprint) (*topology.IdentityDescriptor, error) {
	id, ok := s.graph.Identity(fp)
	if !ok {
		return nil, nil
	}
	return &id, nil
}

// Adjacencies returns the relay-only adjacencies incident to fps.
func (s *Service) Adjacencies(fps []fingerprint.Fingerprint) []topology.AdjacencyDescriptor {
	return s.graph.RelayAdjacencies(fps)
}

// RespondRaw dispatches a single decoded JSON-RPC request to the matching
// Protocol method and builds its response envelope. muxLocalPK is the
// serving connection's multiplex public key, consumed by authenticate.
func (s *Service) RespondRaw(req rpc.Request, muxLocalPK []byte) rpc.Response {
	resp := rpc.Response{JSONRPC: "2.0", ID: req.ID}

	result, err := s.dispatch(req, muxLocalPK)
	if err != nil {
		resp.Error = &rpc.Error{Code: -32000, Message: err.Error()}
		return resp
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		resp.Error = &rpc.Error{Code: -32000, Message: err.Error()}
		return resp
	}
	resp.Result = encoded
	return resp
}

func (s *Service) dispatch(req rpc.Request, muxLocalPK []byte) (interface{}, error) {
	switch req.Method {
	case "authenticate":
		return s.Authenticate(muxLocalPK)

	case "info":
		return s.Info()

	case "sign_adjacency":
		var args topology.AdjacencyDescriptor
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("link: bad sign_adjacency params: %w", err)
		}
		return s.SignAdjacency(args)

	case "identity":
		var args struct {
			Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
		}
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("link: bad identity params: %w", err)
		}
		return s.Identity(args.Fingerprint)

	case "adjacencies":
		var args struct {
			Fingerprints []fingerprint.Fingerprint `json:"fingerprints"`
		}
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("link: bad adjacencies params: %w", err)
		}
		return s.Adjacencies(args.Fingerprints), nil

	default:
		return nil, fmt.Errorf("link: unknown method %q", req.Method)
	}
}
