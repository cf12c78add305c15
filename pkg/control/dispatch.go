package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/haven"
	"github.com/earendil-project/overlayd/pkg/rpc"
)

// RespondRaw dispatches a single decoded JSON-RPC request to the matching
// Protocol method, the administrative-surface counterpart of
// pkg/link.Service's RespondRaw.
func (p *Protocol) RespondRaw(ctx context.Context, req rpc.Request) rpc.Response {
	resp := rpc.Response{JSONRPC: "2.0", ID: req.ID}

	result, err := p.dispatch(ctx, req)
	if err != nil {
		resp.Error = &rpc.Error{Code: -32000, Message: err.Error()}
		return resp
	}
	if result == nil {
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

func (p *Protocol) dispatch(ctx context.Context, req rpc.Request) (interface{}, error) {
	switch req.Method {
	case "bind_n2r":
		var args struct {
			SocketID string           `json:"socket_id"`
			AnonID   *string          `json:"anon_id"`
			Dock     fingerprint.Dock `json:"dock"`
		}
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("control: bad bind_n2r params: %w", err)
		}
		return nil, p.BindN2R(args.SocketID, args.AnonID, args.Dock)

	case "bind_haven":
		var args struct {
			SocketID        string                  `json:"socket_id"`
			AnonID          *string                 `json:"anon_id"`
			Dock            fingerprint.Dock        `json:"dock"`
			RendezvousPoint *fingerprint.Fingerprint `json:"rendezvous_point"`
		}
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("control: bad bind_haven params: %w", err)
		}
		return nil, p.BindHaven(ctx, args.SocketID, args.AnonID, args.Dock, args.RendezvousPoint)

	case "skt_info":
		var args struct {
			SocketID string `json:"socket_id"`
		}
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("control: bad skt_info params: %w", err)
		}
		return p.SktInfo(args.SocketID)

	case "havens_info":
		return p.HavensInfo(), nil

	case "send_message":
		var args SendMessageArgs
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("control: bad send_message params: %w", err)
		}
		return nil, p.SendMessage(ctx, args)

	case "recv_message":
		var args struct {
			SocketID string `json:"socket_id"`
		}
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("control: bad recv_message params: %w", err)
		}
		body, src, err := p.RecvMessage(ctx, args.SocketID)
		if err != nil {
			return nil, err
		}
		return struct {
			Content  []byte               `json:"content"`
			Endpoint fingerprint.Endpoint `json:"endpoint"`
		}{Content: body, Endpoint: src}, nil

	case "my_routes":
		return p.MyRoutes(), nil

	case "graph_dump":
		var args struct {
			Human bool `json:"human"`
		}
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("control: bad graph_dump params: %w", err)
		}
		return p.GraphDump(args.Human), nil

	case "send_global_rpc":
		var args GlobalRPCArgs
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("control: bad send_global_rpc params: %w", err)
		}
		result, err := p.SendGlobalRPC(ctx, args)
		if err != nil {
			return nil, err
		}
		return result, nil

	case "insert_rendezvous":
		var args haven.Locator
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("control: bad insert_rendezvous params: %w", err)
		}
		return nil, p.InsertRendezvous(ctx, args)

	case "get_rendezvous":
		var args struct {
			Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
		}
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("control: bad get_rendezvous params: %w", err)
		}
		return p.GetRendezvous(ctx, args.Fingerprint)

	default:
		return nil, fmt.Errorf("control: unknown method %q", req.Method)
	}
}
