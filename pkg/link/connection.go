package link

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/logger"
	"github.com/earendil-project/overlayd/pkg/mux"
	"github.com/earendil-project/overlayd/pkg/overlay"
	"github.com/earendil-project/overlayd/pkg/rpc"
	"github.com/earendil-project/overlayd/pkg/supervise"
)

const (
	onionPacketsLabel = "onion_packets"
	packetChanDepth   = 100
)

// Connection encapsulates a single node-to-node link. It is handed an
// already-negotiated net.Conn from the embedder's overlay.PacketTransport
// and wraps it in a pkg/mux multiplex carrying the "n2n_control" RPC
// substreams and the "onion_packets" datagram pump.
type Connection struct {
	mplex      *mux.Multiplex
	sendOut    chan overlay.RawPacket
	recvIn     chan overlay.RawPacket
	remoteIDPK fingerprint.IdentityPublic
	loop       *supervise.Handle
	keepalive  *supervise.Handle
}

// Dial performs the client side of a link handshake: wrap conn in a
// Multiplex, authenticate the remote peer, and start the packet pump.
func Dial(ctx context.Context, conn net.Conn, localIdentity fingerprint.IdentitySecret, service *Service, log *logger.Logger) (*Connection, error) {
	mplex, err := mux.Client(conn)
	if err != nil {
		return nil, fmt.Errorf("link: client multiplex: %w", err)
	}
	return finishConnect(ctx, mplex, localIdentity, service, log)
}

// Accept performs the server side of a link handshake over an inbound conn.
func Accept(ctx context.Context, conn net.Conn, localIdentity fingerprint.IdentitySecret, service *Service, log *logger.Logger) (*Connection, error) {
	mplex, err := mux.Server(conn)
	if err != nil {
		return nil, fmt.Errorf("link: server multiplex: %w", err)
	}
	return finishConnect(ctx, mplex, localIdentity, service, log)
}

func finishConnect(ctx context.Context, mplex *mux.Multiplex, localIdentity fingerprint.IdentitySecret, service *Service, log *logger.Logger) (*Connection, error) {
	sendOut := make(chan overlay.RawPacket, packetChanDepth)
	recvIn := make(chan overlay.RawPacket, packetChanDepth)

	c := &Connection{
		mplex:   mplex,
		sendOut: sendOut,
		recvIn:  recvIn,
	}

	// The accept loop must be running before authenticate() is called:
	// our own outbound authenticate() request is answered by the peer's
	// accept loop, and ours answers theirs, so both sides start serving
	// before either side's RPC client speaks.
	c.loop = supervise.Respawn(ctx, log, "connection_loop", func(ctx context.Context) error {
		return connectionLoop(ctx, mplex, service, sendOut, recvIn, log)
	})
	c.keepalive = supervise.Respawn(ctx, log, "onion_keepalive", func(ctx context.Context) error {
		return onionKeepalive(ctx, mplex, sendOut, recvIn)
	})

	transport := rpc.NewMuxTransport(mplex)
	client := NewClient(transport)
	resp, err := client.Authenticate(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("link: authenticate: %w", err)
	}
	// The signature must cover the multiplex public key we observed from
	// the peer, binding the identity to this session.
	if !resp.Verify(mplex.PeerPublicKey()) {
		c.Close()
		return nil, fmt.Errorf("link: peer failed authentication")
	}
	c.remoteIDPK = resp.FullPK

	return c, nil
}

// RemoteIdentity returns the identity public key the peer presented.
func (c *Connection) RemoteIdentity() fingerprint.IdentityPublic {
	return c.remoteIDPK
}

// LinkClient returns a fresh Client bound to this connection's
// "n2n_control" substream pool.
func (c *Connection) LinkClient() *Client {
	return NewClient(rpc.NewMuxTransport(c.mplex))
}

// SendRawPacket enqueues an onion packet for transmission, dropping it if
// the outbound queue is full rather than blocking the caller.
func (c *Connection) SendRawPacket(pkt overlay.RawPacket) {
	select {
	case c.sendOut <- pkt:
	default:
	}
}

// RecvRawPacket blocks for the next onion packet delivered on this link.
func (c *Connection) RecvRawPacket(ctx context.Context) (overlay.RawPacket, error) {
	select {
	case pkt := <-c.recvIn:
		return pkt, nil
	case <-ctx.Done():
		return overlay.RawPacket{}, ctx.Err()
	}
}

// Close tears down both supervised tasks and the underlying multiplex.
// Cancellation comes first so neither task respawns, then closing the
// multiplex unblocks their pending accepts and reads before the wait.
func (c *Connection) Close() {
	c.loop.Cancel()
	c.keepalive.Cancel()
	c.mplex.Close()
	c.loop.Stop()
	c.keepalive.Stop()
}

// connectionLoop accepts inbound substreams and routes them by label.
func connectionLoop(ctx context.Context, mplex *mux.Multiplex, service *Service, sendOut chan overlay.RawPacket, recvIn chan overlay.RawPacket, log *logger.Logger) error {
	for {
		lc, err := mplex.AcceptLabeled()
		if err != nil {
			return fmt.Errorf("link: accept substream: %w", err)
		}

		switch lc.Label {
		case rpc.MuxLabel:
			go serveControlStream(lc.Conn, lc.Reader, service, mplex.LocalPublicKey(), log)
		case onionPacketsLabel:
			go handleOnionPackets(ctx, lc.Conn, sendOut, recvIn)
		default:
			log.Warn("link: unknown substream label", "label", lc.Label)
			lc.Conn.Close()
		}
	}
}

// serveControlStream reads line-delimited JSON-RPC requests and answers
// each with a line-delimited response. muxLocalPK is this side's
// multiplex public key, signed when the peer calls authenticate.
func serveControlStream(conn net.Conn, reader *bufio.Reader, service *Service, muxLocalPK []byte, log *logger.Logger) {
	defer conn.Close()
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req rpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Warn("link: malformed control request", "error", err)
			return
		}
		resp := service.RespondRaw(req, muxLocalPK)
		body, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(append(body, '\n')); err != nil {
			return
		}
	}
}

// onionKeepalive holds an onion_packets substream open at all times,
// reopening it (via the supervising respawn) whenever the pump dies.
func onionKeepalive(ctx context.Context, mplex *mux.Multiplex, sendOut chan overlay.RawPacket, recvIn chan overlay.RawPacket) error {
	conn, err := mplex.OpenLabeled(onionPacketsLabel)
	if err != nil {
		return fmt.Errorf("link: open onion_packets: %w", err)
	}
	return handleOnionPackets(ctx, conn, sendOut, recvIn)
}

// handleOnionPackets pumps fixed-size onion packets in both directions on
// conn until either direction fails or ctx is canceled. The downstream
// direction delivers with a non-blocking send: packets arriving faster
// than the owner drains recvIn are dropped.
func handleOnionPackets(ctx context.Context, conn net.Conn, sendOut chan overlay.RawPacket, recvIn chan overlay.RawPacket) error {
	defer conn.Close()

	g, ctx := errgroup.WithContext(ctx)

	// A failure in either direction cancels the group context; closing the
	// substream then unblocks the other direction's pending Read/Write.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	g.Go(func() error {
		for {
			select {
			case pkt := <-sendOut:
				if _, err := conn.Write(pkt[:]); err != nil {
					return fmt.Errorf("link: write onion packet: %w", err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, overlay.RawPacketSize)
		for {
			if _, err := readFull(conn, buf); err != nil {
				return fmt.Errorf("link: read onion packet: %w", err)
			}
			var pkt overlay.RawPacket
			copy(pkt[:], buf)
			select {
			case recvIn <- pkt:
			default:
			}
		}
	})

	return g.Wait()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
