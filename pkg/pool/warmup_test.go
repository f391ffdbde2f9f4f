package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageTop(t *testing.T) {
	u := newUsage()
	for i := 0; i < 5; i++ {
		u.record("search/query.go#Query")
	}
	for i := 0; i < 3; i++ {
		u.record("search/index.go#Index")
	}
	u.record("reports/report.go#Nightly")
	u.record("")

	assert.Equal(t, []string{"search/query.go#Query", "search/index.go#Index"}, u.top(2))
	assert.Len(t, u.top(0), 3)
}

func TestUsageTopBreaksTiesByName(t *testing.T) {
	u := newUsage()
	u.record("b")
	u.record("a")
	assert.Equal(t, []string{"a", "b"}, u.top(2))
}
