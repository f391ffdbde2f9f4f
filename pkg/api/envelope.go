package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kb-labs/runtime/pkg/errdefs"
)

const apiVersion = "v1"

// Meta is attached to every REST response.
type Meta struct {
	RequestID  string `json:"requestId"`
	DurationMs int64  `json:"durationMs"`
	APIVersion string `json:"apiVersion"`
}

// OKEnvelope is the REST success body.
type OKEnvelope struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Meta   Meta   `json:"meta"`
}

// ErrEnvelope is the REST error body.
type ErrEnvelope struct {
	Status  string         `json:"status"`
	HTTP    int            `json:"http"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Meta    Meta           `json:"meta"`
}

func meta(requestID string, started time.Time) Meta {
	return Meta{
		RequestID:  requestID,
		DurationMs: time.Since(started).Milliseconds(),
		APIVersion: apiVersion,
	}
}

func writeOK(w http.ResponseWriter, status int, data any, requestID string, started time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(OKEnvelope{Status: "ok", Data: data, Meta: meta(requestID, started)})
}

func writeErr(w http.ResponseWriter, err error, requestID string, started time.Time) {
	e := errdefs.FromAny(err)
	status := errdefs.HTTPStatus(e.Code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrEnvelope{
		Status:  "error",
		HTTP:    status,
		Code:    string(e.Code),
		Message: e.Message,
		Details: e.Details,
		Meta:    meta(requestID, started),
	})
}
