package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushPersistsSpans(t *testing.T) {
	store := NewStore(t.TempDir(), 10)
	store.Record(Span{TraceID: "t1", SpanID: "s1", TargetPlugin: "a", Target: "@a:GET /x", OK: true})
	store.Record(Span{TraceID: "t1", SpanID: "s2", ParentSpanID: "s1", TargetPlugin: "b", Target: "@b:tool calc", Depth: 1, OK: false, ErrorCode: "Timeout"})

	require.NoError(t, store.Flush("t1"))
	assert.Equal(t, 0, store.Pending("t1"))

	tr, err := store.Load("t1")
	require.NoError(t, err)
	assert.Len(t, tr.Spans, 2)
	assert.Equal(t, "Timeout", tr.Spans[1].ErrorCode)
}

func TestFlushEmptyTraceIsNoop(t *testing.T) {
	store := NewStore(t.TempDir(), 10)
	require.NoError(t, store.Flush("absent"))
	_, err := store.Load("absent")
	assert.Error(t, err)
}

func TestRotation(t *testing.T) {
	store := NewStore(t.TempDir(), 2)
	for _, id := range []string{"t1", "t2", "t3"} {
		store.Record(Span{TraceID: id, SpanID: "s", TargetPlugin: "p", Target: "@p:x"})
		require.NoError(t, store.Flush(id))
		time.Sleep(5 * time.Millisecond) // distinct mtimes for rotation order
	}

	_, err := store.Load("t3")
	assert.NoError(t, err)
	_, err = store.Load("t1")
	assert.Error(t, err)
}
