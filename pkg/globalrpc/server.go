// Package globalrpc answers anonymous end-to-end RPC calls arriving on
// the well-known global-RPC dock: build info queries from any node, and
// alloc_forward registrations from havens choosing this node as their
// rendezvous relay.
package globalrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/earendil-project/overlayd/pkg/buildinfo"
	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/haven"
	"github.com/earendil-project/overlayd/pkg/logger"
	"github.com/earendil-project/overlayd/pkg/rpc"
)

// ForwardTTL bounds how long a haven's alloc_forward registration stays
// live without renewal. Havens re-register every few seconds, so a
// registration older than this belongs to a haven that went away.
const ForwardTTL = 30 * time.Second

// Service answers global RPC requests for one node.
type Service struct {
	mu       sync.Mutex
	forwards map[fingerprint.Fingerprint]time.Time
	log      *logger.Logger
}

// NewService constructs an empty Service.
func NewService(log *logger.Logger) *Service {
	return &Service{
		forwards: make(map[fingerprint.Fingerprint]time.Time),
		log:      log.Component("globalrpc"),
	}
}

// Socket is the subset of an n2r socket Serve needs.
type Socket interface {
	SendTo(ctx context.Context, body []byte, dest fingerprint.Endpoint) error
	RecvFrom(ctx context.Context) ([]byte, fingerprint.Endpoint, error)
}

// Serve answers request datagrams on skt until ctx is canceled or the
// socket fails. Reply failures are logged and skipped: the caller's
// retry loop covers lost responses.
func (s *Service) Serve(ctx context.Context, skt Socket) error {
	for {
		body, src, err := skt.RecvFrom(ctx)
		if err != nil {
			return err
		}
		resp := s.HandleDatagram(body)
		if resp == nil {
			continue
		}
		if err := skt.SendTo(ctx, resp, src); err != nil {
			s.log.Debug("global rpc reply failed", "dest", src, "error", err)
		}
	}
}

// HasForward reports whether fp holds a live forwarding registration.
func (s *Service) HasForward(fp fingerprint.Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.forwards[fp]
	if !ok {
		return false
	}
	if time.Since(at) > ForwardTTL {
		delete(s.forwards, fp)
		return false
	}
	return true
}

// RespondRaw dispatches one decoded request and builds its response
// envelope.
func (s *Service) RespondRaw(req rpc.Request) rpc.Response {
	resp := rpc.Response{JSONRPC: "2.0", ID: req.ID}

	result, err := s.dispatch(req)
	if err != nil {
		resp.Error = &rpc.Error{Code: -32000, Message: err.Error()}
		return resp
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		resp.Error = &rpc.Error{Code: -32000, Message: err.Error()}
		return resp
	}
	resp.Result = encoded
	return resp
}

func (s *Service) dispatch(req rpc.Request) (interface{}, error) {
	switch req.Method {
	case "info":
		return struct {
			Version string `json:"version"`
		}{Version: buildinfo.Version}, nil

	case "alloc_forward":
		var args haven.RegisterHavenReq
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("globalrpc: bad alloc_forward params: %w", err)
		}
		if !args.Identity.Verify(args.Identity.Bytes(), args.Signature) {
			return nil, fmt.Errorf("globalrpc: alloc_forward signature does not verify")
		}
		fp := args.Identity.Fingerprint()
		s.mu.Lock()
		s.forwards[fp] = time.Now()
		s.mu.Unlock()
		s.log.Debug("registered haven forward", "haven", fp)
		return true, nil

	default:
		return nil, fmt.Errorf("globalrpc: unknown method %q", req.Method)
	}
}

// HandleDatagram decodes one inbound request datagram and returns the
// encoded response to send back, or nil for undecodable input (dropped,
// per the protocol-violation rule).
func (s *Service) HandleDatagram(body []byte) []byte {
	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.log.Debug("dropping malformed global rpc request", "error", err)
		return nil
	}
	resp := s.RespondRaw(req)
	encoded, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return encoded
}
