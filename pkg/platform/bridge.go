package platform

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/ipc"
)

// This file bridges platform services across the IPC boundary. The parent
// registers adapterFunc dispatchers on its IPC server; the child builds
// Remote* implementations that round-trip every call as adapter:call
// frames.

// adapterFunc adapts a dispatch function to the ipc.Adapter interface.
type adapterFunc func(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error)

func (f adapterFunc) Call(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	return f(ctx, method, args)
}

// RegisterAdapters exposes the platform services on an IPC server under
// their canonical adapter names.
func RegisterAdapters(srv *ipc.Server, services *Services) {
	if services.Cache != nil {
		srv.Register("cache", adapterFunc(func(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
			return dispatchCache(ctx, services.Cache, method, args)
		}))
	}
	if services.Storage != nil {
		srv.Register("storage", adapterFunc(func(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
			return dispatchStorage(ctx, services.Storage, method, args)
		}))
	}
	if services.LLM != nil {
		srv.Register("llm", adapterFunc(func(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
			return dispatchLLM(ctx, services.LLM, method, args)
		}))
	}
}

func badCall(adapter, method string) error {
	return errdefs.Newf(errdefs.CodePlatform, "unknown method %s.%s", adapter, method).
		WithDetail("service", adapter)
}

func decodeArg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, errdefs.Newf(errdefs.CodeValidation, "missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, errdefs.Wrap(err, errdefs.CodeValidation)
	}
	return v, nil
}

func encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeInternal)
	}
	return data, nil
}

func dispatchCache(ctx context.Context, cache Cache, method string, args []json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "get":
		key, err := decodeArg[string](args, 0)
		if err != nil {
			return nil, err
		}
		value, found, err := cache.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return encode(map[string]any{"value": value, "found": found})
	case "set":
		key, err := decodeArg[string](args, 0)
		if err != nil {
			return nil, err
		}
		value, err := decodeArg[string](args, 1)
		if err != nil {
			return nil, err
		}
		ttlMs, err := decodeArg[int64](args, 2)
		if err != nil {
			return nil, err
		}
		if err := cache.Set(ctx, key, value, time.Duration(ttlMs)*time.Millisecond); err != nil {
			return nil, err
		}
		return encode(true)
	case "delete":
		key, err := decodeArg[string](args, 0)
		if err != nil {
			return nil, err
		}
		if err := cache.Delete(ctx, key); err != nil {
			return nil, err
		}
		return encode(true)
	default:
		return nil, badCall("cache", method)
	}
}

func dispatchStorage(ctx context.Context, storage Storage, method string, args []json.RawMessage) (json.RawMessage, error) {
	pluginID, err := decodeArg[string](args, 0)
	if err != nil {
		return nil, err
	}
	switch method {
	case "get":
		key, err := decodeArg[string](args, 1)
		if err != nil {
			return nil, err
		}
		value, err := storage.Get(ctx, pluginID, key)
		if err != nil {
			return nil, err
		}
		return encode(value)
	case "set":
		key, err := decodeArg[string](args, 1)
		if err != nil {
			return nil, err
		}
		value, err := decodeArg[[]byte](args, 2)
		if err != nil {
			return nil, err
		}
		if err := storage.Set(ctx, pluginID, key, value); err != nil {
			return nil, err
		}
		return encode(true)
	case "delete":
		key, err := decodeArg[string](args, 1)
		if err != nil {
			return nil, err
		}
		if err := storage.Delete(ctx, pluginID, key); err != nil {
			return nil, err
		}
		return encode(true)
	case "list":
		prefix, err := decodeArg[string](args, 1)
		if err != nil {
			return nil, err
		}
		keys, err := storage.List(ctx, pluginID, prefix)
		if err != nil {
			return nil, err
		}
		return encode(keys)
	default:
		return nil, badCall("storage", method)
	}
}

func dispatchLLM(ctx context.Context, llm LLM, method string, args []json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "complete":
		prompt, err := decodeArg[string](args, 0)
		if err != nil {
			return nil, err
		}
		out, err := llm.Complete(ctx, prompt)
		if err != nil {
			return nil, err
		}
		return encode(out)
	default:
		return nil, badCall("llm", method)
	}
}

func arg(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// RemoteCache implements Cache over an IPC client.
type RemoteCache struct {
	client *ipc.Client
}

// NewRemoteCache creates the child-side cache proxy.
func NewRemoteCache(client *ipc.Client) *RemoteCache {
	return &RemoteCache{client: client}
}

func (c *RemoteCache) Get(ctx context.Context, key string) (string, bool, error) {
	result, err := c.client.Call(ctx, "cache", "get", []json.RawMessage{arg(key)}, 0)
	if err != nil {
		return "", false, err
	}
	var out struct {
		Value string `json:"value"`
		Found bool   `json:"found"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", false, errdefs.Wrap(err, errdefs.CodePlatform)
	}
	return out.Value, out.Found, nil
}

func (c *RemoteCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.client.Call(ctx, "cache", "set", []json.RawMessage{arg(key), arg(value), arg(ttl.Milliseconds())}, 0)
	return err
}

func (c *RemoteCache) Delete(ctx context.Context, key string) error {
	_, err := c.client.Call(ctx, "cache", "delete", []json.RawMessage{arg(key)}, 0)
	return err
}

func (c *RemoteCache) QueueDepth(context.Context) (int64, error) {
	// Not exposed to children; the controller samples in the parent.
	return 0, nil
}

// RemoteStorage implements Storage over an IPC client.
type RemoteStorage struct {
	client *ipc.Client
}

// NewRemoteStorage creates the child-side storage proxy.
func NewRemoteStorage(client *ipc.Client) *RemoteStorage {
	return &RemoteStorage{client: client}
}

func (s *RemoteStorage) Get(ctx context.Context, pluginID, key string) ([]byte, error) {
	result, err := s.client.Call(ctx, "storage", "get", []json.RawMessage{arg(pluginID), arg(key)}, 0)
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodePlatform)
	}
	return out, nil
}

func (s *RemoteStorage) Set(ctx context.Context, pluginID, key string, value []byte) error {
	_, err := s.client.Call(ctx, "storage", "set", []json.RawMessage{arg(pluginID), arg(key), arg(value)}, 0)
	return err
}

func (s *RemoteStorage) Delete(ctx context.Context, pluginID, key string) error {
	_, err := s.client.Call(ctx, "storage", "delete", []json.RawMessage{arg(pluginID), arg(key)}, 0)
	return err
}

func (s *RemoteStorage) List(ctx context.Context, pluginID, prefix string) ([]string, error) {
	result, err := s.client.Call(ctx, "storage", "list", []json.RawMessage{arg(pluginID), arg(prefix)}, 0)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodePlatform)
	}
	return out, nil
}

// RemoteLLM implements LLM over an IPC client.
type RemoteLLM struct {
	client *ipc.Client
}

// NewRemoteLLM creates the child-side LLM proxy.
func NewRemoteLLM(client *ipc.Client) *RemoteLLM {
	return &RemoteLLM{client: client}
}

func (l *RemoteLLM) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := l.client.Call(ctx, "llm", "complete", []json.RawMessage{arg(prompt)}, 0)
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(result, &out); err != nil {
		return "", errdefs.Wrap(err, errdefs.CodePlatform)
	}
	return out, nil
}

// RemoteServices assembles the child-side platform services over one IPC
// client.
func RemoteServices(client *ipc.Client) *Services {
	return &Services{
		Cache:   NewRemoteCache(client),
		Storage: NewRemoteStorage(client),
		LLM:     NewRemoteLLM(client),
		Vector:  NoopVector{},
	}
}
