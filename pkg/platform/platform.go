package platform

import (
	"context"
	"time"
)

// Cache is the cache platform service. Implementations: Redis-backed
// (RedisCache) and in-memory (MemoryCache).
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// QueueDepth reports the summed length of the priority queues
	// (kb:queue:high|normal|low). The degradation controller samples it.
	QueueDepth(ctx context.Context) (int64, error)
}

// Storage is the durable per-plugin key/value platform service.
type Storage interface {
	Get(ctx context.Context, pluginID, key string) ([]byte, error)
	Set(ctx context.Context, pluginID, key string, value []byte) error
	Delete(ctx context.Context, pluginID, key string) error
	List(ctx context.Context, pluginID, prefix string) ([]string, error)
}

// LLM is the language-model platform service. Concrete providers live
// outside the core; NoopLLM backs tests and provider-less deployments.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Vector is the vector-store platform service.
type Vector interface {
	Upsert(ctx context.Context, id string, embedding []float64, payload map[string]any) error
	Query(ctx context.Context, embedding []float64, limit int) ([]string, error)
}

// WorkflowStatus is the status contract for jobs/workflows tracked by the
// external workflow service.
type WorkflowStatus struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Workflows is the client contract for the external workflow/jobs/cron
// service.
type Workflows interface {
	Start(ctx context.Context, namespace, workflow string, input []byte) (string, error)
	Enqueue(ctx context.Context, job string, input []byte) (string, error)
	Status(ctx context.Context, id string) (*WorkflowStatus, error)
}

// Services bundles all platform adapters handed to the context factory.
// Any field may be nil; the governance proxy converts nil services into
// PlatformError at call time.
type Services struct {
	Cache     Cache
	Storage   Storage
	LLM       LLM
	Vector    Vector
	Events    *Broker
	Workflows Workflows
}

// NoopLLM satisfies LLM without a provider.
type NoopLLM struct{}

func (NoopLLM) Complete(context.Context, string) (string, error) {
	return "", nil
}

// NoopVector satisfies Vector without a store.
type NoopVector struct{}

func (NoopVector) Upsert(context.Context, string, []float64, map[string]any) error {
	return nil
}

func (NoopVector) Query(context.Context, []float64, int) ([]string, error) {
	return nil, nil
}
