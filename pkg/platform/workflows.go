package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kb-labs/runtime/pkg/errdefs"
)

// WorkflowClient talks to the external workflow/jobs/cron service over
// HTTP. Calls run through a circuit breaker so a dead service fails fast
// instead of tying up executions.
type WorkflowClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewWorkflowClient creates a client for the service at baseURL
// (typically KB_WORKFLOW_SERVICE_URL).
func NewWorkflowClient(baseURL string) *WorkflowClient {
	return &WorkflowClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "workflow-service",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *WorkflowClient) Start(ctx context.Context, namespace, workflow string, input []byte) (string, error) {
	body := map[string]any{"namespace": namespace, "workflow": workflow, "input": json.RawMessage(orNull(input))}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/workflows", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *WorkflowClient) Enqueue(ctx context.Context, job string, input []byte) (string, error) {
	body := map[string]any{"job": job, "input": json.RawMessage(orNull(input))}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/jobs", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *WorkflowClient) Status(ctx context.Context, id string) (*WorkflowStatus, error) {
	var status WorkflowStatus
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/status/"+id, nil)
		if err != nil {
			return nil, err
		}
		return nil, c.do(req, &status)
	})
	if err != nil {
		return nil, wrapWorkflowErr(err)
	}
	return &status, nil
}

func (c *WorkflowClient) post(ctx context.Context, path string, body any, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return nil, c.do(req, out)
	})
	if err != nil {
		return wrapWorkflowErr(err)
	}
	return nil
}

func (c *WorkflowClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("workflow service returned %d: %s", resp.StatusCode, data)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func orNull(input []byte) []byte {
	if len(input) == 0 {
		return []byte("null")
	}
	return input
}

func wrapWorkflowErr(err error) error {
	return errdefs.Wrap(err, errdefs.CodePlatform).WithDetail("service", "workflows")
}
