package relay

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domlink/idgen"
	"github.com/hazyhaar/domlink/kit"
	"github.com/hazyhaar/domlink/protocol"
)

// RegisterMCP registers the relay's agent tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerContextsTool(srv)
	s.registerStateTool(srv)
	s.registerCapabilitiesTool(srv)
	s.registerSendCommandTool(srv)
	s.registerCommandResultTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// --- contexts ---

func (s *Service) registerContextsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domlink_contexts",
		Description: "List live browser contexts (tabs) currently reporting to the relay.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Contexts(ctx)
	}

	decode := func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: struct{}{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- state ---

type stateRequest struct {
	ContextRef string `json:"context_ref"`
	History    bool   `json:"history,omitempty"`
}

func (s *Service) registerStateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domlink_state",
		Description: "Read the latest versioned state snapshot of a context: active route, view, modal, focus, panels. Set history=true for the recent snapshot history instead.",
		InputSchema: inputSchema(map[string]any{
			"context_ref": map[string]any{"type": "string", "description": "Context reference from domlink_contexts"},
			"history":     map[string]any{"type": "boolean", "description": "Return the bounded snapshot history, newest first"},
		}, []string{"context_ref"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*stateRequest)
		if r.History {
			return s.History(ctx, r.ContextRef)
		}
		return s.State(ctx, r.ContextRef)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r stateRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request:   &r,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithContextRef(ctx, r.ContextRef) },
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- capabilities ---

type capabilitiesRequest struct {
	ContextRef string `json:"context_ref"`
}

func (s *Service) registerCapabilitiesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domlink_capabilities",
		Description: "List the region types a context has ever exposed — what an agent can address there. Metadata only, never page content.",
		InputSchema: inputSchema(map[string]any{
			"context_ref": map[string]any{"type": "string", "description": "Context reference from domlink_contexts"},
		}, []string{"context_ref"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*capabilitiesRequest)
		return s.Capabilities(ctx, r.ContextRef)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r capabilitiesRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- send_command ---

type sendCommandRequest struct {
	ContextRef string                 `json:"context_ref"`
	Command    string                 `json:"command"`
	RequestID  string                 `json:"request_id,omitempty"`
	Target     protocol.Target        `json:"target,omitempty"`
	Params     protocol.CommandParams `json:"params,omitempty"`
}

type sendCommandResponse struct {
	Status    string                  `json:"status"`
	RequestID string                  `json:"request_id"`
	Result    *protocol.CommandResult `json:"result,omitempty"`
}

func (s *Service) registerSendCommandTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domlink_send_command",
		Description: "Queue a command (navigate, focus, modal.open, modal.close, panel.toggle, click, type, scroll, waitFor) for a context. Omit request_id to have one generated; reuse a request_id to replay its stored result instead of executing twice. Poll domlink_command_result for the outcome.",
		InputSchema: inputSchema(map[string]any{
			"context_ref": map[string]any{"type": "string", "description": "Context reference from domlink_contexts"},
			"command":     map[string]any{"type": "string", "enum": []any{"navigate", "focus", "modal.open", "modal.close", "panel.toggle", "click", "type", "scroll", "waitFor"}},
			"request_id":  map[string]any{"type": "string", "description": "Idempotency key; generated if omitted"},
			"target": map[string]any{"type": "object", "properties": map[string]any{
				"instance_id": map[string]any{"type": "string"},
				"type_id":     map[string]any{"type": "string"},
				"selector":    map[string]any{"type": "string"},
			}},
			"params": map[string]any{"type": "object", "properties": map[string]any{
				"url":        map[string]any{"type": "string"},
				"text":       map[string]any{"type": "string"},
				"replace":    map[string]any{"type": "boolean"},
				"top":        map[string]any{"type": "number"},
				"left":       map[string]any{"type": "number"},
				"timeout_ms": map[string]any{"type": "integer"},
				"open":       map[string]any{"type": "boolean"},
			}},
		}, []string{"context_ref", "command"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*sendCommandRequest)
		if r.RequestID == "" {
			r.RequestID = idgen.Default()
		}
		prior, err := s.Enqueue(ctx, protocol.Command{
			RequestID:  r.RequestID,
			Command:    protocol.CommandName(r.Command),
			ContextRef: r.ContextRef,
			Target:     r.Target,
			Params:     r.Params,
		})
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return sendCommandResponse{Status: "replayed", RequestID: r.RequestID, Result: prior}, nil
		}
		return sendCommandResponse{Status: "queued", RequestID: r.RequestID}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r sendCommandRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request:   &r,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithContextRef(ctx, r.ContextRef) },
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- command_result ---

type commandResultRequest struct {
	ContextRef string `json:"context_ref"`
	RequestID  string `json:"request_id"`
}

type commandResultResponse struct {
	Status string                  `json:"status"`
	Result *protocol.CommandResult `json:"result,omitempty"`
}

func (s *Service) registerCommandResultTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domlink_command_result",
		Description: "Fetch the result of a previously queued command. Status is \"pending\" until the shim acknowledges it.",
		InputSchema: inputSchema(map[string]any{
			"context_ref": map[string]any{"type": "string", "description": "Context reference the command was sent to"},
			"request_id":  map[string]any{"type": "string", "description": "Request ID returned by domlink_send_command"},
		}, []string{"context_ref", "request_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*commandResultRequest)
		res, found, err := s.Result(ctx, r.ContextRef, r.RequestID)
		if err != nil {
			return nil, err
		}
		if !found {
			return commandResultResponse{Status: "pending"}, nil
		}
		return commandResultResponse{Status: "done", Result: res}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r commandResultRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
