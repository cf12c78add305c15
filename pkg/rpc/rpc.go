// Package rpc implements the JSON-RPC 2.0 envelope this daemon uses for
// both node-to-node link control and end-to-end global RPC calls. Two
// concrete Transports are provided: MuxTransport (pkg/mux-backed, pooled,
// for the "n2n_control" substream) and N2RTransport (anonymous datagram,
// for end-to-end calls, with doubling-backoff retry since datagrams may be
// dropped silently).
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc: %d %s", e.Code, e.Message)
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Transport sends a single request and waits for its matching response.
// Implementations may retry internally; callers see only success or a
// terminal error (including ctx cancellation).
type Transport interface {
	CallRaw(ctx context.Context, req Request) (*Response, error)
}

// NewRequest builds a Request with params marshaled from args.
func NewRequest(id, method string, args interface{}) (Request, error) {
	params, err := json.Marshal(args)
	if err != nil {
		return Request{}, fmt.Errorf("rpc: marshal params: %w", err)
	}
	idJSON, err := json.Marshal(id)
	if err != nil {
		return Request{}, fmt.Errorf("rpc: marshal id: %w", err)
	}
	return Request{
		JSONRPC: "2.0",
		ID:      idJSON,
		Method:  method,
		Params:  params,
	}, nil
}

// Call issues req over t and decodes a successful result into out. out may
// be nil if the caller does not need the result value.
func Call(ctx context.Context, t Transport, req Request, out interface{}) error {
	resp, err := t.CallRaw(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || resp.Result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("rpc: unmarshal result: %w", err)
	}
	return nil
}
