package link

import (
	"context"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/rpc"
	"github.com/earendil-project/overlayd/pkg/topology"
)

// Client issues Protocol calls over an rpc.Transport.
type Client struct {
	transport rpc.Transport
}

// NewClient wraps an rpc.Transport (normally a MuxTransport bound to a
// Connection's "n2n_control" substream pool) as a typed Link Protocol
// client.
func NewClient(transport rpc.Transport) *Client {
	return &Client{transport: transport}
}

func (c *Client) call(ctx context.Context, method string, args, out interface{}) error {
	req, err := rpc.NewRequest("0", method, args)
	if err != nil {
		return err
	}
	return rpc.Call(ctx, c.transport, req, out)
}

// Authenticate asks the peer to sign its multiplex session public key
// with its node identity.
func (c *Client) Authenticate(ctx context.Context) (AuthResponse, error) {
	var out AuthResponse
	err := c.call(ctx, "authenticate", struct{}{}, &out)
	return out, err
}

// Info fetches the peer's build version.
func (c *Client) Info(ctx context.Context) (InfoResponse, error) {
	var out InfoResponse
	err := c.call(ctx, "info", struct{}{}, &out)
	return out, err
}

// SignAdjacency asks the peer to complete and sign an adjacency where the
// peer is the right-hand side.
func (c *Client) SignAdjacency(ctx context.Context, leftIncomplete topology.AdjacencyDescriptor) (*topology.AdjacencyDescriptor, error) {
	var out *topology.AdjacencyDescriptor
	err := c.call(ctx, "sign_adjacency", leftIncomplete, &out)
	return out, err
}

// Identity fetches a node's identity descriptor as known by the peer.
func (c *Client) Identity(ctx context.Context, fp fingerprint.Fingerprint) (*topology.IdentityDescriptor, error) {
	var out *topology.IdentityDescriptor
	err := c.call(ctx, "identity", struct {
		Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	}{Fingerprint: fp}, &out)
	return out, err
}

// Adjacencies fetches the relay-only adjacencies incident to fps.
func (c *Client) Adjacencies(ctx context.Context, fps []fingerprint.Fingerprint) ([]topology.AdjacencyDescriptor, error) {
	var out []topology.AdjacencyDescriptor
	err := c.call(ctx, "adjacencies", struct {
		Fingerprints []fingerprint.Fingerprint `json:"fingerprints"`
	}{Fingerprints: fps}, &out)
	return out, err
}
