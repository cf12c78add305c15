package haven

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	overlayerr "github.com/earendil-project/overlayd/pkg/errors"
	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/logger"
	"github.com/earendil-project/overlayd/pkg/n2r"
	"github.com/earendil-project/overlayd/pkg/supervise"
)

// SessionTTL bounds how long a crypt session is kept before the cache
// expires it and the next send performs a fresh handshake.
const SessionTTL = 30 * time.Minute

const sessionCapacity = 100_000
const inboxDepth = 1000

type inbound struct {
	body []byte
	src  fingerprint.Endpoint
}

// Socket is an end-to-end encrypted socket layered over an n2r.Socket.
// When rendezvousPoint is set, this side is a server ("Bob") that also
// runs a background registration loop against that relay; otherwise it is
// a plain client ("Alice").
type Socket struct {
	n2rSocket  *n2r.Socket
	identity   fingerprint.IdentitySecret
	rendezvous *fingerprint.Fingerprint

	sessions *lru.LRU[fingerprint.Endpoint, *cryptSession]
	group    singleflight.Group

	inbox chan inbound

	recvTask     *supervise.Handle
	registerTask *supervise.Handle

	log *logger.Logger
}

// Bind constructs a haven Socket over an already-bound n2r.Socket. If
// rendezvousPoint is non-nil, a background task continually (re)registers
// this haven's forwarding with that relay and republishes its locator to
// the DHT.
func Bind(ctx context.Context, identity fingerprint.IdentitySecret, n2rSocket *n2r.Socket, rendezvousPoint *fingerprint.Fingerprint, dht DHT, log *logger.Logger) *Socket {
	s := &Socket{
		n2rSocket:  n2rSocket,
		identity:   identity,
		rendezvous: rendezvousPoint,
		sessions:   lru.NewLRU[fingerprint.Endpoint, *cryptSession](sessionCapacity, nil, SessionTTL),
		inbox:      make(chan inbound, inboxDepth),
		log:        log,
	}

	s.recvTask = supervise.Respawn(ctx, log, "haven_recv", s.recvLoop)

	if rendezvousPoint != nil {
		s.registerTask = supervise.Respawn(ctx, log, "haven_register", func(ctx context.Context) error {
			return s.registrationLoop(ctx, *rendezvousPoint, dht)
		})
	}

	return s
}

// LocalEndpoint reports the underlying n2r endpoint this haven is bound to.
func (s *Socket) LocalEndpoint() fingerprint.Endpoint {
	return s.n2rSocket.LocalEndpoint()
}

// SendTo encrypts and sends body to endpoint, establishing a fresh
// handshake if no session exists yet. Concurrent sends to the same
// endpoint share a single in-flight handshake via singleflight; a failed
// handshake is never cached. A transport-level send failure evicts the
// session so the next send starts clean.
func (s *Socket) SendTo(ctx context.Context, body []byte, endpoint fingerprint.Endpoint) error {
	cs, ok := s.sessions.Get(endpoint)
	if !ok {
		v, err, _ := s.group.Do(endpoint.String(), func() (interface{}, error) {
			if cs, ok := s.sessions.Get(endpoint); ok {
				return cs, nil
			}
			cs, err := newInitiatorSession(ctx, s.identity, endpoint, s.rendezvous, s.n2rSocket, s.deliver)
			if err != nil {
				return nil, err
			}
			s.sessions.Add(endpoint, cs)
			return cs, nil
		})
		if err != nil {
			return overlayerr.HavenError("establish session", err)
		}
		cs = v.(*cryptSession)
	}
	if err := cs.sendOutgoing(ctx, body); err != nil {
		s.sessions.Remove(endpoint)
		return overlayerr.HavenError("send over session", err)
	}
	return nil
}

func (s *Socket) deliver(body []byte, src fingerprint.Endpoint) {
	select {
	case s.inbox <- inbound{body: body, src: src}:
	default:
	}
}

// RecvFrom blocks for the next decrypted application message.
func (s *Socket) RecvFrom(ctx context.Context) ([]byte, fingerprint.Endpoint, error) {
	select {
	case msg := <-s.inbox:
		return msg.body, msg.src, nil
	case <-ctx.Done():
		return nil, fingerprint.Endpoint{}, ctx.Err()
	}
}

// recvLoop pulls raw n2r datagrams, decodes their envelope, and routes
// them to the right crypt session. A ClientHs unconditionally replaces
// any existing session for its remote; ServerHs and Regular messages for
// an unknown remote are stray and dropped.
func (s *Socket) recvLoop(ctx context.Context) error {
	for {
		raw, _, err := s.n2rSocket.RecvFrom(ctx)
		if err != nil {
			return err
		}
		msg, remote, err := decodeEnvelope(raw)
		if err != nil {
			s.log.Debug("haven: dropping undecodable message", "error", err)
			continue
		}

		switch msg.Kind {
		case kindClientHs:
			cs, err := newResponderSession(ctx, s.identity, remote, s.rendezvous, s.n2rSocket, s.deliver, msg.Handshake)
			if err != nil {
				s.log.Debug("haven: responder handshake failed", "error", err)
				continue
			}
			s.sessions.Add(remote, cs)

		case kindServerHs:
			cs, ok := s.sessions.Get(remote)
			if !ok {
				s.log.Debug("haven: stray server_hs; dropping")
				continue
			}
			if err := cs.handleServerHs(msg.Handshake); err != nil {
				s.log.Debug("haven: server_hs handling failed", "error", err)
			}

		case kindRegular:
			cs, ok := s.sessions.Get(remote)
			if !ok {
				s.log.Debug("haven: stray regular message; dropping")
				continue
			}
			if err := cs.handleRegular(msg.Nonce, msg.Ciphertext); err != nil {
				s.log.Debug("haven: regular message handling failed", "error", err)
			}
		}
	}
}

// Close stops the background tasks.
func (s *Socket) Close() {
	s.recvTask.Stop()
	if s.registerTask != nil {
		s.registerTask.Stop()
	}
	s.n2rSocket.Close()
}
