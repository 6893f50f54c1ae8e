package transport

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Well-known methods every tool server is expected to answer.
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request envelope with the protocol version stamped.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result and
// Error is set on a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a payload-level failure reported by the server itself. It is
// distinct from a transport-level *Error: the wire worked, the server said no.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// decodeResponse parses raw bytes into a Response, rejecting envelopes that
// are not valid JSON or carry neither result nor error.
func decodeResponse(server string, data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, newError(KindMalformed, server, fmt.Errorf("undecodable response: %w", err))
	}
	if resp.Result == nil && resp.Error == nil {
		return nil, newError(KindMalformed, server, fmt.Errorf("response carries neither result nor error"))
	}
	return &resp, nil
}

// initializeParams is the minimal initialize handshake payload.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      clientInfo     `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func newInitializeParams() initializeParams {
	return initializeParams{
		ProtocolVersion: "2024-11-05",
		ClientInfo:      clientInfo{Name: "mcphub", Version: "1.0.0"},
		Capabilities:    map[string]any{},
	}
}
