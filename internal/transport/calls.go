package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Ping issues a lightweight liveness probe. Servers that do not implement
// ping fall back to tools/list, which every tool server must answer.
func Ping(ctx context.Context, t Transport) error {
	resp, err := t.Send(ctx, MethodPing, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		// Method not implemented is still a live server; probe with
		// tools/list instead.
		resp, err = t.Send(ctx, MethodToolsList, struct{}{})
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return resp.Error
		}
	}
	return nil
}

// ListTools fetches the server's advertised tools.
func ListTools(ctx context.Context, t Transport) ([]mcp.Tool, error) {
	resp, err := t.Send(ctx, MethodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("undecodable tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool by name and returns the raw result payload.
// A payload-level error from the server comes back as *RPCError.
func CallTool(ctx context.Context, t Transport, tool string, arguments map[string]any) (json.RawMessage, error) {
	params := map[string]any{
		"name":      tool,
		"arguments": arguments,
	}
	resp, err := t.Send(ctx, MethodToolsCall, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// ListResources fetches the server's advertised resources as raw JSON.
func ListResources(ctx context.Context, t Transport) (json.RawMessage, error) {
	resp, err := t.Send(ctx, MethodResourcesList, struct{}{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
