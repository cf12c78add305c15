package haven

import (
	"context"
	"time"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/overlay"
	"github.com/earendil-project/overlayd/pkg/rpc"
	"github.com/earendil-project/overlayd/pkg/wire"
)

// DHT is an alias for overlay.DHT, the directory a haven registration
// loop publishes its locator to.
type DHT = overlay.DHT

// RegisterHavenReq is the global-RPC argument a haven sends its
// rendezvous relay, asking it to remember this haven's forwarding
// endpoint.
type RegisterHavenReq struct {
	Identity  fingerprint.IdentityPublic `json:"identity"`
	Signature []byte                     `json:"signature"`
}

// NewRegisterHavenReq signs the registering identity's own public key as
// a lightweight proof of possession.
func NewRegisterHavenReq(isk fingerprint.IdentitySecret) RegisterHavenReq {
	pub := isk.Public()
	return RegisterHavenReq{Identity: pub, Signature: isk.Sign(pub.Bytes())}
}

// Locator is the DHT-published record pointing anonymous clients at a
// haven's rendezvous relay and forwarding onion key.
type Locator struct {
	Identity   fingerprint.IdentityPublic `json:"identity"`
	OnionPK    []byte                     `json:"onion_pk"`
	Rendezvous fingerprint.Fingerprint    `json:"rendezvous"`
	Signature  []byte                     `json:"signature"`
}

// toSign returns the bytes a Locator's owner signs over.
func (l Locator) toSign() []byte {
	buf := append([]byte{}, l.OnionPK...)
	buf = append(buf, l.Rendezvous[:]...)
	return buf
}

// NewLocator builds and signs a Locator for publishing under identity.
func NewLocator(isk fingerprint.IdentitySecret, onionPK []byte, rendezvous fingerprint.Fingerprint) Locator {
	l := Locator{Identity: isk.Public(), OnionPK: onionPK, Rendezvous: rendezvous}
	l.Signature = isk.Sign(l.toSign())
	return l
}

// Verify checks a Locator's signature against its own claimed identity.
func (l Locator) Verify() bool {
	return l.Identity.Verify(l.toSign(), l.Signature)
}

const (
	registrationRPCTimeout = 30 * time.Second
	registrationRetryDelay = 3 * time.Second
	registrationInterval   = 5 * time.Second
)

// registrationLoop keeps asking rob to forward for this haven and
// republishing its Locator to the DHT.
func (s *Socket) registrationLoop(ctx context.Context, rob fingerprint.Fingerprint, dht DHT) error {
	onionPK := s.identity.Public().Bytes()
	transport := rpc.NewN2RTransport(s.n2rSocket, fingerprint.NewEndpoint(rob, rpc.GlobalRPCDock))
	req := NewRegisterHavenReq(s.identity)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		callCtx, cancel := context.WithTimeout(ctx, registrationRPCTimeout)
		rpcReq, err := rpc.NewRequest("0", "alloc_forward", req)
		if err != nil {
			cancel()
			return err
		}
		_, err = transport.CallRaw(callCtx, rpcReq)
		cancel()
		if err != nil {
			s.log.Debug("haven: registering rendezvous failed", "rendezvous", rob, "error", err)
			if sleepOrDone(ctx, registrationRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		locator := NewLocator(s.identity, onionPK, rob)
		encoded, err := wire.Marshal(locator)
		if err == nil {
			insertCtx, insertCancel := context.WithTimeout(ctx, registrationRPCTimeout)
			_ = dht.Insert(insertCtx, locator.Identity.Fingerprint(), encoded)
			insertCancel()
		}

		if sleepOrDone(ctx, registrationInterval) {
			return ctx.Err()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}
