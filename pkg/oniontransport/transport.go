// Package oniontransport is a sealed-payload implementation of
// overlay.Forwarder: each forward packet is encrypted to the destination
// node's X25519 onion key (ephemeral ECDH, HKDF-SHA256, ChaCha20-Poly1305)
// and padded to the fixed RawPacket size, and every forward packet carries
// a freshly minted single-use reply block the receiver can answer through
// without learning the sender's routing address. Per-hop layering over a
// multi-relay source route is left to deployments with a full onion stack;
// this transport seals end-to-end and routes by the cleartext next-hop
// fingerprint in the packet header.
package oniontransport

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/overlay"
	"github.com/earendil-project/overlayd/pkg/wire"
)

const (
	kindForward byte = 1
	kindReply   byte = 2

	keySize    = 32
	headerSize = 1 + fingerprint.Size // kind + next-hop fingerprint
	hkdfInfo   = "overlayd-onion-v1"
)

// Directory resolves a node fingerprint to its published X25519 onion key.
type Directory interface {
	OnionKey(fp fingerprint.Fingerprint) ([keySize]byte, bool)
}

// StaticDirectory is an in-memory Directory populated by Publish calls.
type StaticDirectory struct {
	mu   sync.RWMutex
	keys map[fingerprint.Fingerprint][keySize]byte
}

// NewStaticDirectory constructs an empty StaticDirectory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{keys: make(map[fingerprint.Fingerprint][keySize]byte)}
}

// Publish records fp's onion key, replacing any previous one.
func (d *StaticDirectory) Publish(fp fingerprint.Fingerprint, key [keySize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[fp] = key
}

// OnionKey looks up fp's published onion key.
func (d *StaticDirectory) OnionKey(fp fingerprint.Fingerprint) ([keySize]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k, ok := d.keys[fp]
	return k, ok
}

// Sink delivers a built packet toward hop, its cleartext next-hop node.
type Sink func(ctx context.Context, hop fingerprint.Fingerprint, pkt overlay.RawPacket) error

// forwardPayload is the sealed interior of a forward packet.
type forwardPayload struct {
	Src     fingerprint.Endpoint `json:"src"`
	DstDock fingerprint.Dock     `json:"dst_dock"`
	Body    []byte               `json:"body"`
	Reply   []byte               `json:"reply"` // minted reply block for answering anonymously
}

// replyBlock is the wire shape of a minted overlay.ReplyBlock. Key and ID
// are meaningful only to the minting node; the holder treats the whole
// block as opaque bytes.
type replyBlock struct {
	ID     uint64                  `json:"id"`
	Key    []byte                  `json:"key"`
	Return fingerprint.Fingerprint `json:"return"`
}

// replyPacket is the cleartext frame of a reply packet past its header.
type replyPacket struct {
	ID         uint64 `json:"id"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type mintedKey struct {
	key  []byte
	dock fingerprint.Dock
}

// Transport implements overlay.Forwarder for one node.
type Transport struct {
	selfFP fingerprint.Fingerprint
	secret []byte
	public [keySize]byte
	dir    Directory

	mu        sync.Mutex
	sink      Sink
	docks     map[fingerprint.Fingerprint]map[fingerprint.Dock]bool
	nextDock  fingerprint.Dock
	replyKeys map[uint64]mintedKey
}

// New constructs a Transport for the node identified by isk, with a fresh
// X25519 onion keypair. The caller publishes PublicOnionKey under the
// node's fingerprint in whatever Directory its peers resolve against, and
// attaches a Sink before the first send.
func New(isk fingerprint.IdentitySecret, dir Directory) (*Transport, error) {
	secret := make([]byte, keySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("oniontransport: generate onion key: %w", err)
	}
	pub, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("oniontransport: derive onion public key: %w", err)
	}
	t := &Transport{
		selfFP:    isk.Public().Fingerprint(),
		secret:    secret,
		dir:       dir,
		docks:     make(map[fingerprint.Fingerprint]map[fingerprint.Dock]bool),
		nextDock:  1,
		replyKeys: make(map[uint64]mintedKey),
	}
	copy(t.public[:], pub)
	return t, nil
}

// PublicOnionKey returns the key peers seal forward packets to.
func (t *Transport) PublicOnionKey() [keySize]byte {
	return t.public
}

// SetSink attaches the delivery function built packets are transmitted
// through. Settable after construction since the sink usually closes over
// the link layer, which is wired up later than the transport.
func (t *Transport) SetSink(sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Bind reserves dock for identity. A zero dock requests assignment.
func (t *Transport) Bind(identity fingerprint.IdentityPublic, dock fingerprint.Dock) (fingerprint.Dock, error) {
	fp := identity.Fingerprint()
	t.mu.Lock()
	defer t.mu.Unlock()

	bound := t.docks[fp]
	if bound == nil {
		bound = make(map[fingerprint.Dock]bool)
		t.docks[fp] = bound
	}
	if dock == 0 {
		for bound[t.nextDock] || t.nextDock == 0 {
			t.nextDock++
		}
		dock = t.nextDock
		t.nextDock++
	} else if bound[dock] {
		return 0, fmt.Errorf("oniontransport: dock %d already bound for %s", dock, fp)
	}
	bound[dock] = true
	return dock, nil
}

// mintReplyBlock issues a single-use return token delivering to dock on
// this node.
func (t *Transport) mintReplyBlock(dock fingerprint.Dock) ([]byte, error) {
	var idBytes [8]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, err
	}
	id := binary.BigEndian.Uint64(idBytes[:])
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.replyKeys[id] = mintedKey{key: key, dock: dock}
	t.mu.Unlock()

	return wire.Marshal(replyBlock{ID: id, Key: key, Return: t.selfFP})
}

// MintReplyBlocks issues n single-use return tokens delivering to dock,
// for handing to peers out of band.
func (t *Transport) MintReplyBlocks(dock fingerprint.Dock, n int) ([]overlay.ReplyBlock, error) {
	out := make([]overlay.ReplyBlock, 0, n)
	for i := 0; i < n; i++ {
		rb, err := t.mintReplyBlock(dock)
		if err != nil {
			return nil, fmt.Errorf("oniontransport: mint reply block: %w", err)
		}
		out = append(out, overlay.ReplyBlock(rb))
	}
	return out, nil
}

// BuildForward seals body to dest's onion key. The packet carries a fresh
// reply block returning to src's dock on this node, so dest can answer
// without resolving src.
func (t *Transport) BuildForward(route []fingerprint.Fingerprint, src, dest fingerprint.Endpoint, body []byte) (overlay.RawPacket, error) {
	destKey, ok := t.dir.OnionKey(dest.Fingerprint)
	if !ok {
		return overlay.RawPacket{}, fmt.Errorf("oniontransport: no onion key published for %s", dest.Fingerprint)
	}

	rb, err := t.mintReplyBlock(src.Dock)
	if err != nil {
		return overlay.RawPacket{}, fmt.Errorf("oniontransport: mint reply block: %w", err)
	}
	plaintext, err := wire.Marshal(forwardPayload{Src: src, DstDock: dest.Dock, Body: body, Reply: rb})
	if err != nil {
		return overlay.RawPacket{}, fmt.Errorf("oniontransport: marshal payload: %w", err)
	}

	sealed, err := sealTo(destKey, plaintext)
	if err != nil {
		return overlay.RawPacket{}, err
	}
	return framePacket(kindForward, dest.Fingerprint, sealed)
}

// BuildReply seals body under a previously-issued reply block's symmetric
// key; only the block's minting node can open the result.
func (t *Transport) BuildReply(rb overlay.ReplyBlock, body []byte) (overlay.RawPacket, error) {
	var block replyBlock
	if err := wire.Unmarshal(rb, &block); err != nil {
		return overlay.RawPacket{}, fmt.Errorf("oniontransport: decode reply block: %w", err)
	}
	aead, err := chacha20poly1305.New(block.Key)
	if err != nil {
		return overlay.RawPacket{}, fmt.Errorf("oniontransport: reply block key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return overlay.RawPacket{}, err
	}
	frame, err := wire.Marshal(replyPacket{
		ID:         block.ID,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, body, nil),
	})
	if err != nil {
		return overlay.RawPacket{}, fmt.Errorf("oniontransport: marshal reply: %w", err)
	}
	return framePacket(kindReply, block.Return, frame)
}

// Open decapsulates an inbound packet addressed to this node. Reply
// packets consume their block: a second packet built from the same block
// fails with an unknown-block error.
func (t *Transport) Open(pkt overlay.RawPacket) ([]byte, fingerprint.Endpoint, fingerprint.Dock, *overlay.ReplyBlock, error) {
	kind, _, contents, err := unframePacket(pkt)
	if err != nil {
		return nil, fingerprint.Endpoint{}, 0, nil, err
	}

	switch kind {
	case kindForward:
		plaintext, err := t.openSealed(contents)
		if err != nil {
			return nil, fingerprint.Endpoint{}, 0, nil, err
		}
		var payload forwardPayload
		if err := wire.Unmarshal(plaintext, &payload); err != nil {
			return nil, fingerprint.Endpoint{}, 0, nil, fmt.Errorf("oniontransport: decode payload: %w", err)
		}
		var rb *overlay.ReplyBlock
		if len(payload.Reply) > 0 {
			b := overlay.ReplyBlock(payload.Reply)
			rb = &b
		}
		return payload.Body, payload.Src, payload.DstDock, rb, nil

	case kindReply:
		var frame replyPacket
		if err := wire.Unmarshal(contents, &frame); err != nil {
			return nil, fingerprint.Endpoint{}, 0, nil, fmt.Errorf("oniontransport: decode reply: %w", err)
		}
		t.mu.Lock()
		minted, ok := t.replyKeys[frame.ID]
		if ok {
			delete(t.replyKeys, frame.ID)
		}
		t.mu.Unlock()
		if !ok {
			return nil, fingerprint.Endpoint{}, 0, nil, fmt.Errorf("oniontransport: unknown or spent reply block")
		}
		aead, err := chacha20poly1305.New(minted.key)
		if err != nil {
			return nil, fingerprint.Endpoint{}, 0, nil, err
		}
		body, err := aead.Open(nil, frame.Nonce, frame.Ciphertext, nil)
		if err != nil {
			return nil, fingerprint.Endpoint{}, 0, nil, fmt.Errorf("oniontransport: open reply: %w", err)
		}
		// The answering side is anonymous: a reply reports no source.
		return body, fingerprint.Endpoint{}, minted.dock, nil, nil

	default:
		return nil, fingerprint.Endpoint{}, 0, nil, fmt.Errorf("oniontransport: unknown packet kind %d", kind)
	}
}

// Transmit hands pkt to the sink, toward the next hop named in its header.
func (t *Transport) Transmit(ctx context.Context, pkt overlay.RawPacket) error {
	_, hop, _, err := unframePacket(pkt)
	if err != nil {
		return err
	}
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("oniontransport: no sink attached")
	}
	return sink(ctx, hop, pkt)
}

// sealTo encrypts plaintext to pub: ephemeral X25519, HKDF-SHA256 over
// the shared secret, ChaCha20-Poly1305 with a zero nonce (the key is
// fresh per packet). Output is ephemeralPub || ciphertext.
func sealTo(pub [keySize]byte, plaintext []byte) ([]byte, error) {
	ephSecret := make([]byte, keySize)
	if _, err := rand.Read(ephSecret); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephSecret, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("oniontransport: ephemeral key: %w", err)
	}
	shared, err := curve25519.X25519(ephSecret, pub[:])
	if err != nil {
		return nil, fmt.Errorf("oniontransport: key agreement: %w", err)
	}
	aead, err := packetAEAD(shared, ephPub, pub[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return append(ephPub, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func (t *Transport) openSealed(data []byte) ([]byte, error) {
	if len(data) < keySize {
		return nil, fmt.Errorf("oniontransport: sealed payload too short")
	}
	ephPub := data[:keySize]
	shared, err := curve25519.X25519(t.secret, ephPub)
	if err != nil {
		return nil, fmt.Errorf("oniontransport: key agreement: %w", err)
	}
	aead, err := packetAEAD(shared, ephPub, t.public[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	plaintext, err := aead.Open(nil, nonce, data[keySize:], nil)
	if err != nil {
		return nil, fmt.Errorf("oniontransport: open sealed payload: %w", err)
	}
	return plaintext, nil
}

func packetAEAD(shared, ephPub, recipientPub []byte) (cipher.AEAD, error) {
	salt := append(append([]byte{}, ephPub...), recipientPub...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("oniontransport: derive packet key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("oniontransport: packet cipher: %w", err)
	}
	return aead, nil
}

// framePacket lays out kind | next-hop | length | contents, zero-padded to
// the fixed RawPacket size.
func framePacket(kind byte, hop fingerprint.Fingerprint, contents []byte) (overlay.RawPacket, error) {
	var pkt overlay.RawPacket
	if headerSize+2+len(contents) > overlay.RawPacketSize {
		return pkt, fmt.Errorf("oniontransport: payload of %d bytes exceeds packet size", len(contents))
	}
	pkt[0] = kind
	copy(pkt[1:], hop[:])
	binary.BigEndian.PutUint16(pkt[headerSize:], uint16(len(contents)))
	copy(pkt[headerSize+2:], contents)
	return pkt, nil
}

func unframePacket(pkt overlay.RawPacket) (byte, fingerprint.Fingerprint, []byte, error) {
	kind := pkt[0]
	var hop fingerprint.Fingerprint
	copy(hop[:], pkt[1:1+fingerprint.Size])
	length := binary.BigEndian.Uint16(pkt[headerSize:])
	if int(headerSize+2+length) > overlay.RawPacketSize {
		return 0, hop, nil, fmt.Errorf("oniontransport: corrupt length field")
	}
	return kind, hop, pkt[headerSize+2 : headerSize+2+int(length)], nil
}
