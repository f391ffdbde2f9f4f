package schedule

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/degrade"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/types"
)

type recordingExec struct {
	mu   sync.Mutex
	reqs []*types.ExecutionRequest
}

func (r *recordingExec) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return &types.ExecutionResult{OK: true}, nil
}

func (r *recordingExec) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func manifest() *types.Manifest {
	return &types.Manifest{
		ID:      "reports",
		Version: "1.0.0",
		Cron: []types.ManifestCron{
			{Name: "nightly", Schedule: "0 3 * * *", Handler: types.HandlerRef{File: "report.go", Export: "Nightly"}},
		},
	}
}

func TestMountRegistersEntries(t *testing.T) {
	r := NewRunner(&recordingExec{}, nil, nil)
	require.NoError(t, r.Mount(manifest()))
	assert.Equal(t, 1, r.Entries())
}

func TestMountRejectsBadSchedule(t *testing.T) {
	r := NewRunner(&recordingExec{}, nil, nil)
	m := manifest()
	m.Cron[0].Schedule = "not a schedule"

	err := r.Mount(m)
	assert.Equal(t, errdefs.CodeValidation, errdefs.GetCode(err))
	assert.Equal(t, 0, r.Entries())
}

func TestFireSubmitsCronRequest(t *testing.T) {
	exec := &recordingExec{}
	r := NewRunner(exec, nil, nil)
	m := manifest()

	r.fire(m, m.Cron[0])
	require.Equal(t, 1, exec.count())

	req := exec.reqs[0]
	assert.Equal(t, types.HostCron, req.Descriptor.HostType)
	assert.Equal(t, "reports", req.Descriptor.PluginID)
	assert.Equal(t, "nightly", req.Descriptor.CommandID)
	assert.Equal(t, "report.go#Nightly", req.Descriptor.HandlerID)
	assert.NotEmpty(t, req.Descriptor.RequestID)
}

func TestFireSkipsWhileDegraded(t *testing.T) {
	exec := &recordingExec{}
	ctl := degrade.NewController(config.Default().Degrade, nil, nil)
	ctl.Apply(degrade.Sample{CPUPct: 95})

	r := NewRunner(exec, ctl, nil)
	m := manifest()

	r.fire(m, m.Cron[0])
	assert.Equal(t, 0, exec.count())

	// Recovery lets the next tick through again.
	ctl.Apply(degrade.Sample{})
	if ctl.State() == degrade.StateNormal {
		r.fire(m, m.Cron[0])
		assert.Equal(t, 1, exec.count())
	}
}
