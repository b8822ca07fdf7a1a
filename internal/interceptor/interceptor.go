package interceptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync/atomic"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/tidwall/sjson"
)

// Interceptor applies a Policy to tool calls. It holds no per-request
// state and is safe for concurrent use. The policy can be swapped while
// requests are in flight; each request sees one policy.
type Interceptor struct {
	policy  atomic.Pointer[Policy]
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithMetrics records outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(i *Interceptor) {
		i.metrics = m
	}
}

// New returns an Interceptor for policy.
func New(policy *Policy, logger *slog.Logger, opts ...Option) *Interceptor {
	i := &Interceptor{logger: logger}
	i.policy.Store(policy)

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Policy returns the policy in effect.
func (i *Interceptor) Policy() *Policy {
	return i.policy.Load()
}

// SetPolicy replaces the policy for subsequent requests.
func (i *Interceptor) SetPolicy(p *Policy) {
	i.policy.Store(p)
}

// Intercept returns the arguments to forward for rc. The input map is not
// modified; the result holds every input key with its original value plus
// the added keys. Every key the tool's policy can add is reserved, whether
// or not a value for it is available on this request.
func (i *Interceptor) Intercept(rc RequestContext) (*EnrichedRequest, error) {
	tp := i.policy.Load().For(rc.ToolName)

	if key := reservedKey(rc.Arguments, tp); key != "" {
		return nil, &CollisionError{Tool: rc.ToolName, Key: key}
	}

	out := make(map[string]any, len(rc.Arguments)+len(tp.Headers)+4)
	maps.Copy(out, rc.Arguments)

	var added []string

	add := func(key string, value any) error {
		if _, exists := out[key]; exists {
			return &CollisionError{Tool: rc.ToolName, Key: key}
		}

		out[key] = value
		added = append(added, key)

		return nil
	}

	if tp.Claims {
		claims, err := rc.claims()
		if err != nil {
			return nil, err
		}

		if claims != nil {
			identity := claims.Identity()
			if identity == "" {
				return nil, fmt.Errorf("%w: token has no sub, preferred_username, username or email claim", apperrors.ErrMalformedClaims)
			}

			if err := add(ArgUserID, identity); err != nil {
				return nil, err
			}

			if err := add(ArgUserName, claims.DisplayName()); err != nil {
				return nil, err
			}

			if claims.Email != "" {
				if err := add(ArgUserEmail, claims.Email); err != nil {
					return nil, err
				}
			}
		}
	}

	if tp.ForwardToken && rc.BearerToken != "" {
		if err := add(ArgAuthToken, rc.BearerToken); err != nil {
			return nil, err
		}
	}

	for _, rule := range tp.Headers {
		v, ok := rc.Headers.Get(rule.Name)
		if !ok {
			continue
		}

		if err := add(rule.ArgumentKey(), v); err != nil {
			return nil, err
		}
	}

	return &EnrichedRequest{Arguments: out, Added: added}, nil
}

// reservedKey returns the first key tp can add that args already holds
// under any letter case, or "". Tool inputs decode case-insensitively, so
// "User_Name" would land in the same field as user_name.
func reservedKey(args map[string]any, tp ToolPolicy) string {
	if len(args) == 0 {
		return ""
	}

	var reserved []string
	if tp.Claims {
		reserved = append(reserved, ArgUserID, ArgUserName, ArgUserEmail)
	}

	if tp.ForwardToken {
		reserved = append(reserved, ArgAuthToken)
	}

	for _, rule := range tp.Headers {
		reserved = append(reserved, rule.ArgumentKey())
	}

	for _, key := range reserved {
		for arg := range args {
			if strings.EqualFold(arg, key) {
				return key
			}
		}
	}

	return ""
}

// Process handles one gateway event. Requests other than tools/call are
// returned unchanged. An enriched tool call is forwarded as a body
// re-encoded from the decoded message, so the backend reads exactly the
// method, name and arguments that were checked.
func (i *Interceptor) Process(ev *Event) (*Response, error) {
	return i.processWith(ev, nil)
}

func (i *Interceptor) processWith(ev *Event, verified *Claims) (*Response, error) {
	resp, outcome, err := i.process(ev, verified)

	switch {
	case err == nil:
		i.metrics.observe(outcome)
	case errors.Is(err, apperrors.ErrMalformedRequest):
		i.metrics.observe(OutcomeInvalid)
	default:
		i.metrics.observe(OutcomeRejected)
	}

	return resp, err
}

// rpcRequest and callParams are decoded with encoding/json, as the MCP
// server decodes them: field names match in any case and the last
// duplicate key wins.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type callParams struct {
	Meta      json.RawMessage `json:"_meta,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (i *Interceptor) process(ev *Event, verified *Claims) (*Response, string, error) {
	if v := ev.InterceptorInputVersion; v != "" && v != InputVersion {
		return nil, "", fmt.Errorf("%w: unsupported interceptorInputVersion %q", apperrors.ErrMalformedRequest, v)
	}

	req := ev.MCP.GatewayRequest
	resp := &Response{
		InterceptorOutputVersion: OutputVersion,
		MCP:                      ResponseMCP{TransformedGatewayRequest: req},
	}

	body := bytes.TrimSpace(req.Body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return resp, OutcomePassthrough, nil
	}

	// A batch could hide a tools/call from the method check below.
	if body[0] == '[' {
		return nil, "", fmt.Errorf("%w: JSON-RPC batches are not supported", apperrors.ErrMalformedRequest)
	}

	var msg rpcRequest
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, "", fmt.Errorf("%w: body is not a JSON-RPC message: %v", apperrors.ErrMalformedRequest, err)
	}

	if msg.Method != MethodToolsCall {
		i.logger.Debug("skipping non-tool request", slog.String("method", msg.Method))
		return resp, OutcomePassthrough, nil
	}

	var params callParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return nil, "", fmt.Errorf("%w: tools/call without params.name", apperrors.ErrMalformedRequest)
	}

	args, err := decodeArguments(params.Arguments)
	if err != nil {
		return nil, "", err
	}

	headers := Headers(req.Headers)
	rc := RequestContext{
		Headers:     headers,
		BearerToken: headers.BearerToken(),
		Claims:      verified,
		ToolName:    StripGatewayPrefix(params.Name),
		Arguments:   args,
	}

	enriched, err := i.Intercept(rc)
	if err != nil {
		i.logger.Warn("rejecting tool call",
			slog.String("tool", rc.ToolName),
			slog.String("error", err.Error()),
		)

		return nil, "", err
	}

	if len(enriched.Added) == 0 {
		return resp, OutcomePassthrough, nil
	}

	canonical, err := encodeToolCall(msg, params)
	if err != nil {
		return nil, "", err
	}

	newBody, err := writeArguments(canonical, args == nil, enriched)
	if err != nil {
		return nil, "", err
	}

	i.logger.Info("enriched tool call",
		slog.String("tool", rc.ToolName),
		slog.Any("added", enriched.Added),
	)

	resp.MCP.TransformedGatewayRequest.Body = newBody

	return resp, OutcomeEnriched, nil
}

// decodeArguments returns nil for absent or null arguments. Numbers are
// kept as json.Number so they survive a later encode exactly.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] != '{' {
		return nil, fmt.Errorf("%w: params.arguments must be an object", apperrors.ErrMalformedRequest)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("%w: decoding params.arguments: %v", apperrors.ErrMalformedRequest, err)
	}

	return args, nil
}

// encodeToolCall writes msg back with only the fields the MCP server
// reads, each under its canonical lower-case name.
func encodeToolCall(msg rpcRequest, params callParams) ([]byte, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	msg.Params = rawParams

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	return body, nil
}

func writeArguments(body []byte, replace bool, enriched *EnrichedRequest) ([]byte, error) {
	var err error

	if replace {
		addedOnly := make(map[string]any, len(enriched.Added))
		for _, key := range enriched.Added {
			addedOnly[key] = enriched.Arguments[key]
		}

		body, err = sjson.SetBytes(body, "params.arguments", addedOnly)
		if err != nil {
			return nil, fmt.Errorf("writing arguments: %w", err)
		}

		return body, nil
	}

	for _, key := range enriched.Added {
		body, err = sjson.SetBytes(body, "params.arguments."+key, enriched.Arguments[key])
		if err != nil {
			return nil, fmt.Errorf("writing argument %s: %w", key, err)
		}
	}

	return body, nil
}
