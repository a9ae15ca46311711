package gasserttest

import (
	"io"
	"log/slog"
	"sync"

	"github.com/gordian-engine/dbft/gassert"
)

// DefaultEnv returns an environment suitable for most tests:
// every assertion is enabled and failures panic.
func DefaultEnv() gassert.Env {
	return gassert.NewEnv(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RecordingEnv records assertion failures instead of panicking,
// so tests can observe that an assertion fired.
type RecordingEnv struct {
	mu       sync.Mutex
	failures []error
}

func (*RecordingEnv) Enabled(string) bool { return true }

func (e *RecordingEnv) HandleAssertionFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, err)
}

// Failures returns a copy of the recorded failures.
func (e *RecordingEnv) Failures() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.failures...)
}
