// Package mux wraps a single peer pipe in a multiplexed session carrying
// labeled substreams, backed by github.com/hashicorp/yamux. Each session
// generates a fresh X25519 multiplex secret; the two sides exchange
// public keys before the session starts, so higher layers can bind an
// identity signature to this specific session (the link handshake signs
// the multiplex public key, not a bare challenge). Each substream is
// labeled by writing a newline-terminated label as the first frame, since
// yamux streams are themselves unlabeled.
package mux

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/curve25519"

	"github.com/hashicorp/yamux"
)

// muxKeySize is the byte length of a multiplex secret and public key.
const muxKeySize = 32

// Multiplex is a single multiplexed session over one underlying pipe,
// with a session-scoped keypair bound to it.
type Multiplex struct {
	session *yamux.Session
	localPK []byte
	peerPK  []byte
}

func generateMuxKeypair() (secret, public []byte, err error) {
	secret = make([]byte, muxKeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, fmt.Errorf("mux: generate multiplex secret: %w", err)
	}
	public, err = curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("mux: derive multiplex public key: %w", err)
	}
	return secret, public, nil
}

// Client wraps conn as the dialing side of a multiplex: send our session
// public key, read the peer's, then start the yamux session.
func Client(conn net.Conn) (*Multiplex, error) {
	_, localPK, err := generateMuxKeypair()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(localPK); err != nil {
		return nil, fmt.Errorf("mux: send session public key: %w", err)
	}
	peerPK := make([]byte, muxKeySize)
	if _, err := io.ReadFull(conn, peerPK); err != nil {
		return nil, fmt.Errorf("mux: read peer session public key: %w", err)
	}

	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	sess, err := yamux.Client(conn, cfg)
	if err != nil {
		return nil, fmt.Errorf("mux: client session: %w", err)
	}
	return &Multiplex{session: sess, localPK: localPK, peerPK: peerPK}, nil
}

// Server wraps conn as the accepting side of a multiplex: read the
// peer's session public key, send ours, then start the yamux session.
func Server(conn net.Conn) (*Multiplex, error) {
	_, localPK, err := generateMuxKeypair()
	if err != nil {
		return nil, err
	}
	peerPK := make([]byte, muxKeySize)
	if _, err := io.ReadFull(conn, peerPK); err != nil {
		return nil, fmt.Errorf("mux: read peer session public key: %w", err)
	}
	if _, err := conn.Write(localPK); err != nil {
		return nil, fmt.Errorf("mux: send session public key: %w", err)
	}

	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	sess, err := yamux.Server(conn, cfg)
	if err != nil {
		return nil, fmt.Errorf("mux: server session: %w", err)
	}
	return &Multiplex{session: sess, localPK: localPK, peerPK: peerPK}, nil
}

// LocalPublicKey returns this side's session public key.
func (m *Multiplex) LocalPublicKey() []byte {
	return m.localPK
}

// PeerPublicKey returns the session public key the peer presented.
func (m *Multiplex) PeerPublicKey() []byte {
	return m.peerPK
}

// OpenLabeled opens a new substream and writes its label as the first line.
func (m *Multiplex) OpenLabeled(label string) (net.Conn, error) {
	stream, err := m.session.Open()
	if err != nil {
		return nil, fmt.Errorf("mux: open substream %q: %w", label, err)
	}
	if _, err := fmt.Fprintf(stream, "%s\n", label); err != nil {
		stream.Close()
		return nil, fmt.Errorf("mux: write label %q: %w", label, err)
	}
	return stream, nil
}

// LabeledConn pairs an accepted substream with a bufio.Reader already
// primed past the label line, and the label itself.
type LabeledConn struct {
	Label  string
	Conn   net.Conn
	Reader *bufio.Reader
}

// AcceptLabeled blocks for the next inbound substream and reads its label.
func (m *Multiplex) AcceptLabeled() (*LabeledConn, error) {
	stream, err := m.session.Accept()
	if err != nil {
		return nil, fmt.Errorf("mux: accept substream: %w", err)
	}
	r := bufio.NewReader(stream)
	label, err := r.ReadString('\n')
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("mux: read label: %w", err)
	}
	label = label[:len(label)-1]
	return &LabeledConn{Label: label, Conn: stream, Reader: r}, nil
}

// Close tears down the underlying session.
func (m *Multiplex) Close() error {
	return m.session.Close()
}

// IsClosed reports whether the session has been torn down.
func (m *Multiplex) IsClosed() bool {
	return m.session.IsClosed()
}
