package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPassesThroughTypedErrors(t *testing.T) {
	orig := New(CodePermissionDenied, "read denied").WithDetail("path", "/t/.env")
	wrapped := Wrap(fmt.Errorf("outer: %w", orig), CodeInternal)

	assert.Equal(t, CodePermissionDenied, wrapped.Code)
	assert.Equal(t, "/t/.env", wrapped.Details["path"])
}

func TestWrapPlainError(t *testing.T) {
	err := Wrap(errors.New("boom"), CodePlatform)
	assert.Equal(t, CodePlatform, err.Code)
	assert.Equal(t, "boom", err.Message)
}

func TestFromAny(t *testing.T) {
	assert.Nil(t, FromAny(nil))
	assert.Equal(t, CodeInternal, FromAny("string panic").Code)
	assert.Equal(t, "42", FromAny(42).Message)
	assert.Equal(t, CodeAbort, FromAny(New(CodeAbort, "stop")).Code)
}

// Codes and details must survive the IPC round-trip even though the Go
// subtype is lost.
func TestWireRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
	}{
		{"permission", New(CodePermissionDenied, "denied").WithDetail("path", "/etc/passwd")},
		{"cycle", New(CodeCycleDetected, "cycle").WithDetails(map[string]any{
			"visited":       []string{"A", "B"},
			"currentPlugin": "A",
		})},
		{"timeout", New(CodeTimeout, "execution timed out").WithDetail("retryAfterMs", 500)},
		{"no details", New(CodeWorkerCrashed, "worker exited")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromJSON(ToJSON(tt.err))
			assert.Equal(t, tt.err.Code, got.Code)
			assert.Equal(t, tt.err.Message, got.Message)
			if tt.err.Details != nil {
				require.NotNil(t, got.Details)
				assert.Equal(t, len(tt.err.Details), len(got.Details))
			}
		})
	}
}

func TestFromJSONMalformed(t *testing.T) {
	err := FromJSON([]byte("{not json"))
	assert.Equal(t, CodeInternal, err.Code)
}

func TestFromJSONMissingCode(t *testing.T) {
	err := FromJSON([]byte(`{"name":"PluginError","message":"x"}`))
	assert.Equal(t, CodeInternal, err.Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodePermissionDenied, 403},
		{CodeValidation, 400},
		{CodeTargetInvalid, 400},
		{CodeHandlerNotFound, 404},
		{CodePluginNotFound, 404},
		{CodeTimeout, 504},
		{CodeQueueFull, 429},
		{CodeInternal, 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.code), string(tt.code))
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(New(CodeValidation, "bad input")))
	assert.Equal(t, 124, ExitCode(New(CodeTimeout, "slow")))
	assert.Equal(t, 1, ExitCode(errors.New("anything else")))
}
