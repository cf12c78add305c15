// Package haven implements end-to-end encrypted sessions layered over an
// n2r socket, including the rendezvous-mediated registration loop a
// server-side haven runs against its chosen relay. Session crypto is a
// Noise NN handshake (github.com/flynn/noise) with explicit per-message
// nonces, since the underlying datagrams are unordered and lossy.
package haven

import (
	"encoding/json"
	"fmt"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/wire"
)

// msgKind tags which HavenMsg variant a wire message carries.
type msgKind string

const (
	kindClientHs msgKind = "client_hs"
	kindServerHs msgKind = "server_hs"
	kindRegular  msgKind = "regular"
)

// HavenMsg is the tagged union of messages exchanged between two crypt
// sessions.
type HavenMsg struct {
	Kind       msgKind `json:"kind"`
	Handshake  []byte  `json:"handshake,omitempty"`
	Nonce      []byte  `json:"nonce,omitempty"`
	Ciphertext []byte  `json:"ciphertext,omitempty"`
}

func clientHs(msg []byte) HavenMsg { return HavenMsg{Kind: kindClientHs, Handshake: msg} }
func serverHs(msg []byte) HavenMsg { return HavenMsg{Kind: kindServerHs, Handshake: msg} }
func regular(nonce, ct []byte) HavenMsg {
	return HavenMsg{Kind: kindRegular, Nonce: nonce, Ciphertext: ct}
}

// envelope wraps every HavenMsg in a (body, remote) tuple before it goes
// over n2r, so the recipient learns which endpoint actually answered
// (useful when a reply arrives via a rendezvous relay rather than
// directly from the haven's owner).
type envelope struct {
	Body   []byte               `json:"body"`
	Remote fingerprint.Endpoint `json:"remote"`
}

func encodeEnvelope(msg HavenMsg, remote fingerprint.Endpoint) ([]byte, error) {
	body, err := wire.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("haven: marshal message: %w", err)
	}
	return wire.Marshal(envelope{Body: body, Remote: remote})
}

func decodeEnvelope(data []byte) (HavenMsg, fingerprint.Endpoint, error) {
	var env envelope
	if err := wire.Unmarshal(data, &env); err != nil {
		return HavenMsg{}, fingerprint.Endpoint{}, fmt.Errorf("haven: decode envelope: %w", err)
	}
	var msg HavenMsg
	if err := json.Unmarshal(env.Body, &msg); err != nil {
		return HavenMsg{}, fingerprint.Endpoint{}, fmt.Errorf("haven: decode message: %w", err)
	}
	return msg, env.Remote, nil
}
