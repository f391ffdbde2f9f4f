package ipc

import (
	"encoding/json"
)

// MessageType identifies an IPC frame.
type MessageType string

const (
	TypeAuth            MessageType = "auth"
	TypeAdapterCall     MessageType = "adapter:call"
	TypeAdapterResponse MessageType = "adapter:response"
	TypeExecute         MessageType = "execute"
	TypeResult          MessageType = "result"
	TypeError           MessageType = "error"
	TypeHealth          MessageType = "health"
	TypeHealthOk        MessageType = "healthOk"
	TypeShutdown        MessageType = "shutdown"
	TypeReady           MessageType = "ready"
	TypeAbort           MessageType = "abort"
)

// Frame is one newline-delimited JSON message. Field usage depends on Type:
//
//	auth:             Token
//	adapter:call:     RequestID, Adapter, Method, Args, TimeoutMs
//	adapter:response: RequestID, Result or Error
//	execute:          RequestID, Payload (serialized execution request)
//	result:           RequestID, Result
//	error:            RequestID, Error (errdefs wire form)
//	health/healthOk:  RequestID
//	shutdown:         Graceful
//	ready/abort:      no payload
type Frame struct {
	Type      MessageType       `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Adapter   string            `json:"adapter,omitempty"`
	Method    string            `json:"method,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`
	TimeoutMs int64             `json:"timeout,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     json.RawMessage   `json:"error,omitempty"`
	Token     string            `json:"token,omitempty"`
	Graceful  bool              `json:"graceful,omitempty"`
}

// maxFrameSize bounds a single NDJSON frame (16 MiB).
const maxFrameSize = 16 * 1024 * 1024
