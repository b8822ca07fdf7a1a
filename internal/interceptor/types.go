package interceptor

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
)

// Reserved argument keys added from token claims.
const (
	ArgUserID    = "user_id"
	ArgUserName  = "user_name"
	ArgUserEmail = "user_email"
	ArgAuthToken = "auth_token"
)

// InputVersion and OutputVersion of the gateway event contract.
const (
	InputVersion  = "1.0"
	OutputVersion = "1.0"
)

// MethodToolsCall is the only JSON-RPC method that is enriched.
const MethodToolsCall = "tools/call"

// gatewayPrefixSep separates a gateway target from the tool name, as in
// "weather-target___get_weather".
const gatewayPrefixSep = "___"

// Headers is a header map with case-insensitive lookup.
type Headers map[string]string

// Get returns the value of the header name, ignoring case.
func (h Headers) Get(name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}

	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}

	return "", false
}

// BearerToken returns the token in the Authorization header with any
// "Bearer " prefix removed.
func (h Headers) BearerToken() string {
	v, ok := h.Get("Authorization")
	if !ok {
		return ""
	}

	v = strings.TrimSpace(v)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}

	return v
}

// RequestContext is one inbound tool call as seen by the interceptor.
type RequestContext struct {
	Headers     Headers
	BearerToken string
	// Claims already verified by the gateway. When nil they are read from
	// BearerToken.
	Claims    *Claims
	ToolName  string
	Arguments map[string]any
}

// claims returns the caller's claims, or nil when there is no token.
func (rc RequestContext) claims() (*Claims, error) {
	if rc.Claims != nil {
		return rc.Claims, nil
	}

	if rc.BearerToken == "" {
		return nil, nil
	}

	return ParseClaims(rc.BearerToken)
}

// EnrichedRequest holds the arguments to forward and the keys that were
// added to them.
type EnrichedRequest struct {
	Arguments map[string]any
	Added     []string
}

// Event is the gateway's request interceptor payload.
type Event struct {
	InterceptorInputVersion string   `json:"interceptorInputVersion"`
	MCP                     EventMCP `json:"mcp"`
}

// EventMCP wraps the intercepted gateway request.
type EventMCP struct {
	GatewayRequest GatewayRequest `json:"gatewayRequest"`
}

// GatewayRequest is the HTTP request the gateway is about to forward.
// Body is the JSON-RPC message.
type GatewayRequest struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Response is returned to the gateway.
type Response struct {
	InterceptorOutputVersion string      `json:"interceptorOutputVersion"`
	MCP                      ResponseMCP `json:"mcp"`
}

// ResponseMCP wraps the request the gateway should forward instead.
type ResponseMCP struct {
	TransformedGatewayRequest GatewayRequest `json:"transformedGatewayRequest"`
}

// CollisionError reports a caller argument that uses a key the
// interceptor would add.
type CollisionError struct {
	Tool string
	Key  string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("tool %q: argument %q is reserved and cannot be supplied by the caller", e.Tool, e.Key)
}

// Is makes every CollisionError match ErrReservedKeyCollision.
func (e *CollisionError) Is(target error) bool {
	return target == apperrors.ErrReservedKeyCollision
}

// StripGatewayPrefix removes a "<target>___" prefix from a tool name.
func StripGatewayPrefix(name string) string {
	if _, after, ok := strings.Cut(name, gatewayPrefixSep); ok {
		return after
	}

	return name
}
