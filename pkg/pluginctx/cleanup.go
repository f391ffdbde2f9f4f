package pluginctx

import (
	"sync"

	"github.com/rs/zerolog"
)

// CleanupStack collects release hooks registered during a handler run.
// Drain runs them in reverse registration order; a failing hook is logged
// and does not stop the rest.
type CleanupStack struct {
	mu      sync.Mutex
	hooks   []func() error
	drained bool
	logger  zerolog.Logger
}

// NewCleanupStack creates an empty stack bound to the invocation logger.
func NewCleanupStack(logger zerolog.Logger) *CleanupStack {
	return &CleanupStack{logger: logger}
}

// Push registers a hook. Hooks pushed after Drain run immediately.
func (s *CleanupStack) Push(fn func() error) {
	s.mu.Lock()
	if s.drained {
		s.mu.Unlock()
		s.run(fn)
		return
	}
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Len returns the number of pending hooks.
func (s *CleanupStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hooks)
}

// Drain runs all hooks LIFO. It is idempotent.
func (s *CleanupStack) Drain() {
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.drained = true
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		s.run(hooks[i])
	}
}

func (s *CleanupStack) run(fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("cleanup hook panicked")
		}
	}()
	if err := fn(); err != nil {
		s.logger.Error().Err(err).Msg("cleanup hook failed")
	}
}
