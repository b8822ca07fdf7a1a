package interceptor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/httpx"
)

// ErrorResponse is the body of a failed interception. Its presence, and a
// non-200 status, is how a caller tells a rejected request from one that
// needed no enrichment.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ErrorCode maps an interceptor error to a short machine-readable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrReservedKeyCollision):
		return "reserved_key_collision"
	case errors.Is(err, apperrors.ErrMalformedClaims):
		return "malformed_claims"
	case errors.Is(err, apperrors.ErrMalformedRequest):
		return "malformed_request"
	default:
		return "interceptor_error"
	}
}

// Handler serves the gateway event contract over HTTP: POST an Event,
// receive a Response.
type Handler struct {
	interceptor *Interceptor
	logger      *slog.Logger
}

// NewHandler returns an HTTP handler for i.
func NewHandler(i *Interceptor, logger *slog.Logger) *Handler {
	return &Handler{interceptor: i, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")

		return
	}

	body, err := httpx.ReadBody(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		h.interceptor.metrics.observe(OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "invalid_request", "body is not an interceptor event")

		return
	}

	resp, err := h.interceptor.Process(&ev)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, apperrors.ErrMalformedRequest) {
			status = http.StatusBadRequest
		}

		writeError(w, status, ErrorCode(err), err.Error())

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("writing interceptor response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, ErrorDescription: description})
}
