package haven

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/flynn/noise"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/n2r"
)

var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// deliverFunc hands a decrypted application payload up to the owning
// Socket's inbox.
type deliverFunc func(body []byte, src fingerprint.Endpoint)

// cryptSession is one end-to-end encrypted conversation with a single
// remote endpoint: a two-message NN handshake (client hello, server
// hello) followed by AEAD-sealed regular messages. Each regular message
// carries its own nonce, since the underlying datagrams are unordered and
// lossy and an implicit counter would desynchronize on the first drop.
type cryptSession struct {
	mu      sync.Mutex
	isk     fingerprint.IdentitySecret
	remote  fingerprint.Endpoint
	rob     *fingerprint.Fingerprint
	socket  *n2r.Socket
	deliver deliverFunc

	hs          *noise.HandshakeState
	send, recv  *noise.CipherState
	established bool
	sendNonce   uint64

	ready chan struct{}
}

func encodeNonce(counter uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, counter)
	return b
}

func decodeNonce(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("haven: nonce must be 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// newInitiatorSession starts a session as the calling side (Alice):
// build a fresh Noise handshake and send message 1 as a ClientHs.
func newInitiatorSession(ctx context.Context, isk fingerprint.IdentitySecret, remote fingerprint.Endpoint, rob *fingerprint.Fingerprint, socket *n2r.Socket, deliver deliverFunc) (*cryptSession, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
		Random:      rand.Reader,
	})
	if err != nil {
		return nil, fmt.Errorf("haven: new handshake state: %w", err)
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("haven: write client hello: %w", err)
	}

	cs := &cryptSession{
		isk: isk, remote: remote, rob: rob, socket: socket, deliver: deliver,
		hs: hs, ready: make(chan struct{}),
	}

	body, err := encodeEnvelope(clientHs(msg), socket.LocalEndpoint())
	if err != nil {
		return nil, err
	}
	if err := socket.SendTo(ctx, body, remote); err != nil {
		return nil, fmt.Errorf("haven: send client hello: %w", err)
	}
	return cs, nil
}

// newResponderSession starts a session as the accepting side (Bob), in
// response to an inbound ClientHs, replying immediately with a ServerHs
// that completes the (2-message, NN) handshake on both sides.
func newResponderSession(ctx context.Context, isk fingerprint.IdentitySecret, remote fingerprint.Endpoint, rob *fingerprint.Fingerprint, socket *n2r.Socket, deliver deliverFunc, clientMsg []byte) (*cryptSession, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
		Random:      rand.Reader,
	})
	if err != nil {
		return nil, fmt.Errorf("haven: new handshake state: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, clientMsg); err != nil {
		return nil, fmt.Errorf("haven: read client hello: %w", err)
	}
	msg, recvCS, sendCS, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("haven: write server hello: %w", err)
	}

	cs := &cryptSession{
		isk: isk, remote: remote, rob: rob, socket: socket, deliver: deliver,
		send: sendCS, recv: recvCS, established: true, ready: make(chan struct{}),
	}
	close(cs.ready)

	body, err := encodeEnvelope(serverHs(msg), socket.LocalEndpoint())
	if err != nil {
		return nil, err
	}
	if err := socket.SendTo(ctx, body, remote); err != nil {
		return nil, fmt.Errorf("haven: send server hello: %w", err)
	}
	return cs, nil
}

// handleServerHs completes the initiator side of the handshake.
func (cs *cryptSession) handleServerHs(msg []byte) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.established {
		return nil
	}
	_, sendCS, recvCS, err := cs.hs.ReadMessage(nil, msg)
	if err != nil {
		return fmt.Errorf("haven: read server hello: %w", err)
	}
	cs.send = sendCS
	cs.recv = recvCS
	cs.established = true
	close(cs.ready)
	return nil
}

// sendOutgoing encrypts and transmits body to the remote endpoint.
func (cs *cryptSession) sendOutgoing(ctx context.Context, body []byte) error {
	select {
	case <-cs.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	cs.mu.Lock()
	cs.sendNonce++
	nonce := cs.sendNonce
	cs.send.SetNonce(nonce)
	ct, err := cs.send.Encrypt(nil, nil, body)
	cs.mu.Unlock()
	if err != nil {
		return fmt.Errorf("haven: encrypt message: %w", err)
	}

	encoded, err := encodeEnvelope(regular(encodeNonce(nonce), ct), cs.socket.LocalEndpoint())
	if err != nil {
		return err
	}
	return cs.socket.SendTo(ctx, encoded, cs.remote)
}

// handleRegular decrypts an inbound Regular message under its explicit
// nonce and delivers the plaintext.
func (cs *cryptSession) handleRegular(nonceBytes, ct []byte) error {
	nonce, err := decodeNonce(nonceBytes)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	if !cs.established {
		cs.mu.Unlock()
		return fmt.Errorf("haven: regular message before handshake completed")
	}
	cs.recv.SetNonce(nonce)
	plaintext, err := cs.recv.Decrypt(nil, nil, ct)
	cs.mu.Unlock()
	if err != nil {
		return fmt.Errorf("haven: decrypt message: %w", err)
	}
	cs.deliver(plaintext, cs.remote)
	return nil
}
