package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// IdentityHeader carries the caller's address. Signature checks happen
// upstream of this API.
const IdentityHeader = "X-Veil-Identity"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// writeJSON marshals v as JSON and writes it with the given status. If
// marshaling fails, it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindState, domain.KindSettlement:
		return http.StatusConflict
	case domain.KindConcurrency:
		return http.StatusTooManyRequests
	case domain.KindComputation:
		return http.StatusBadGateway
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports a service failure. Typed domain errors carry
// their message to the client; anything else is logged and hidden.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	var de *domain.Error
	msg := err.Error()
	if errors.As(err, &de) {
		msg = de.Msg
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind.String()})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// callerIdentity parses the identity header.
func callerIdentity(r *http.Request) (domain.Address, error) {
	raw := strings.TrimSpace(r.Header.Get(IdentityHeader))
	if raw == "" {
		return domain.Address{}, fmt.Errorf("missing %s header", IdentityHeader)
	}
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return domain.Address{}, fmt.Errorf("invalid %s header: %w", IdentityHeader, err)
	}
	return addr, nil
}

// addressParam parses a path parameter as an address.
func addressParam(r *http.Request, name string) (domain.Address, error) {
	addr, err := domain.ParseAddress(r.PathValue(name))
	if err != nil {
		return domain.Address{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return addr, nil
}

// parseListOpts extracts pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}
