package sandbox

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/kb-labs/runtime/pkg/permissions"
)

// Fetch is the sandboxed network facade. The target URL is confirmed
// against network.fetch before any connection is opened.
type Fetch struct {
	eval   *permissions.Evaluator
	client *http.Client
}

// Response is the plugin-facing fetch result.
type Response struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    []byte              `json:"body"`
}

// Do performs an HTTP request if the URL is permitted.
func (f *Fetch) Do(ctx context.Context, method, url string, headers map[string]string, body string) (*Response, error) {
	if err := f.eval.CheckFetch(url); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

// Get is a convenience wrapper for GET requests.
func (f *Fetch) Get(ctx context.Context, url string) (*Response, error) {
	return f.Do(ctx, http.MethodGet, url, nil, "")
}
