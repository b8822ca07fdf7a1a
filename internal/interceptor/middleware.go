package interceptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/alexjbarnes/toolgate/internal/auth"
	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/httpx"
	"github.com/tidwall/gjson"
)

// JSON-RPC error codes used when a call is rejected in process.
const (
	rpcInvalidRequest = -32600
	rpcInvalidParams  = -32602
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcError        `json:"error"`
}

// Middleware runs the interceptor in front of an MCP streamable HTTP
// handler. POST bodies are rewritten before next sees them. A rejected
// call is answered with a JSON-RPC error and never reaches next. Claims
// come from the identity auth.Middleware stored in the request context;
// without one they are read from the bearer token.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		body, err := httpx.ReadBody(r.Body)
		r.Body.Close()

		if err != nil {
			http.Error(w, "could not read request body", http.StatusBadRequest)
			return
		}

		ev := &Event{
			InterceptorInputVersion: InputVersion,
			MCP: EventMCP{GatewayRequest: GatewayRequest{
				Headers: flattenHeaders(r.Header),
				Body:    body,
			}},
		}

		var verified *Claims
		if id := auth.RequestIdentity(r.Context()); id != nil {
			verified = claimsFromIdentity(id)
		}

		resp, err := i.processWith(ev, verified)
		if err != nil {
			writeRPCError(w, body, err)
			return
		}

		newBody := []byte(resp.MCP.TransformedGatewayRequest.Body)
		if len(newBody) == 0 {
			newBody = body
		}

		r.Body = http.NoBody
		if len(newBody) > 0 {
			r.Body = io.NopCloser(bytes.NewReader(newBody))
		}

		r.ContentLength = int64(len(newBody))
		r.Header.Set("Content-Length", strconv.Itoa(len(newBody)))

		next.ServeHTTP(w, r)
	})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}

	return out
}

func writeRPCError(w http.ResponseWriter, body []byte, err error) {
	id := json.RawMessage("null")
	if raw := gjson.GetBytes(body, "id"); raw.Exists() {
		id = json.RawMessage(raw.Raw)
	}

	code := rpcInvalidParams
	if errors.Is(err, apperrors.ErrMalformedRequest) {
		code = rpcInvalidRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rpcErrorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: rpcError{
			Code:    code,
			Message: err.Error(),
			Data:    map[string]string{"reason": ErrorCode(err)},
		},
	})
}
