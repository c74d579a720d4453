package httpsrv

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/domain/registry"
)

const (
	maxBodyBytes = 1 << 20

	HeaderActorID    = "X-Actor-ID"
	HeaderObserverID = "X-Observer-ID"

	DefaultActor    = "dispatcher"
	DefaultObserver = "anonymous"
)

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error kind onto an HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	status, code := StatusOf(err)
	if status == http.StatusServiceUnavailable && errors.Is(err, model.ErrBusy) {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, status, ErrorBody{Error: code, Message: err.Error()})
}

func StatusOf(err error) (int, string) {
	kind := model.KindOf(err)
	switch kind {
	case model.ErrValidation:
		return http.StatusBadRequest, kind.Error()
	case model.ErrNotFound:
		return http.StatusNotFound, kind.Error()
	case model.ErrInvalidTransition, model.ErrCapacity, model.ErrConflict:
		return http.StatusConflict, kind.Error()
	case model.ErrPrecondition:
		return http.StatusPreconditionFailed, kind.Error()
	case model.ErrBusy, model.ErrUnavailable:
		return http.StatusServiceUnavailable, kind.Error()
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// DecodeJSON reads a single JSON document into v, rejecting unknown fields
// and trailing data.
func DecodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return model.Validationf("read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return model.Validationf("body exceeds %d bytes", maxBodyBytes)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Validationf("malformed body: %v", err)
	}
	if dec.More() {
		return model.Validationf("malformed body: trailing data")
	}
	return nil
}

func Actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(HeaderActorID)); a != "" {
		return a
	}
	return DefaultActor
}

// ObserverID identifies a subscribing console. Identity is self-declared.
func ObserverID(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("observer_id")); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get(HeaderObserverID)); id != "" {
		return id
	}
	return DefaultObserver
}

func ConnectMetadata(r *http.Request, transport string) registry.ConnectMetadata {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return registry.ConnectMetadata{
		Transport: transport,
		RemoteIP:  ip,
		UserAgent: r.UserAgent(),
	}
}
