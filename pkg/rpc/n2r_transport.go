package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
)

// N2RSocket is the subset of an n2r socket a Transport needs: send a
// datagram to an endpoint, and receive the next inbound datagram. Defined
// here (rather than imported from pkg/n2r) so pkg/rpc has no dependency on
// the socket layer that in turn depends on pkg/rpc for global calls.
type N2RSocket interface {
	SendTo(ctx context.Context, body []byte, dest fingerprint.Endpoint) error
	RecvFrom(ctx context.Context) (body []byte, src fingerprint.Endpoint, err error)
}

// N2RInitialTimeout bounds the doubling-backoff retry loop: first wait 4s,
// then 8s, 16s, ... with no maximum attempt count, relying on the
// caller's context for an overall deadline.
const N2RInitialTimeout = 4 * time.Second

// GlobalRPCDock is the well-known dock every node's global-RPC responder
// listens on.
const GlobalRPCDock fingerprint.Dock = 1

// N2RTransport is a Transport over an anonymous n2r datagram socket,
// addressed to a single fixed endpoint. Since datagrams may be silently
// dropped anywhere along the route, each call retries with doubling
// backoff until ctx is canceled.
type N2RTransport struct {
	socket N2RSocket
	dest   fingerprint.Endpoint
}

// NewN2RTransport binds calls through socket to a fixed destination.
func NewN2RTransport(socket N2RSocket, dest fingerprint.Endpoint) *N2RTransport {
	return &N2RTransport{socket: socket, dest: dest}
}

// CallRaw sends req and retries with doubling backoff (4s, 8s, 16s, ...)
// until a response arrives or ctx is done.
func (t *N2RTransport) CallRaw(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	timeout := N2RInitialTimeout
	for {
		if err := t.socket.SendTo(ctx, body, t.dest); err != nil {
			return nil, fmt.Errorf("rpc: send: %w", err)
		}

		recvCtx, cancel := context.WithTimeout(ctx, timeout)
		respBody, _, err := t.socket.RecvFrom(recvCtx)
		cancel()

		if err == nil {
			var resp Response
			if err := json.Unmarshal(respBody, &resp); err != nil {
				return nil, fmt.Errorf("rpc: decode response: %w", err)
			}
			return &resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		timeout *= 2
	}
}
