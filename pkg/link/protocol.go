// Package link implements the node-to-node control plane: the handshake
// that authenticates a freshly dialed peer, the Link Protocol Service RPC
// surface relays use to gossip identities and sign adjacencies, and the
// Connection that pumps onion packets over the "onion_packets" substream.
package link

import (
	"github.com/earendil-project/overlayd/pkg/buildinfo"
	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/topology"
)

// AuthResponse answers the authenticate() call: the identity's full
// public key plus a signature over the responder's own multiplex session
// public key. The caller verifies the signature against the multiplex
// public key it observed from its side of the session, binding the
// identity to this specific multiplex rather than to a replayable
// challenge.
type AuthResponse struct {
	FullPK    fingerprint.IdentityPublic `json:"full_pk"`
	Signature []byte                     `json:"signature"`
}

// NewAuthResponse signs the local multiplex session public key with id.
func NewAuthResponse(id fingerprint.IdentitySecret, muxLocalPK []byte) AuthResponse {
	return AuthResponse{
		FullPK:    id.Public(),
		Signature: id.Sign(muxLocalPK),
	}
}

// Verify checks the response's signature against the multiplex public
// key the verifier observed from the peer.
func (r AuthResponse) Verify(peerMuxPK []byte) bool {
	return r.FullPK.Verify(peerMuxPK, r.Signature)
}

// InfoResponse answers the info() RPC.
type InfoResponse struct {
	Version string `json:"version"`
}

// NewInfoResponse reports this build's version.
func NewInfoResponse() InfoResponse {
	return InfoResponse{Version: buildinfo.Version}
}

// Protocol is the RPC surface exposed over a Connection's "n2n_control"
// substream.
type Protocol interface {
	Authenticate(muxLocalPK []byte) (AuthResponse, error)
	Info() (InfoResponse, error)
	SignAdjacency(leftIncomplete topology.AdjacencyDescriptor) (*topology.AdjacencyDescriptor, error)
	Identity(fp fingerprint.Fingerprint) (*topology.IdentityDescriptor, error)
	Adjacencies(fps []fingerprint.Fingerprint) []topology.AdjacencyDescriptor
}
