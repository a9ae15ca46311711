// Package gassert provides an assertion environment
// for checks that must hold for the process to continue safely.
//
// Unlike ordinary errors, an assertion failure means local state
// can no longer be trusted, so the default handler panics.
package gassert

import (
	"fmt"
	"log/slog"
)

// Env controls which assertions run and what happens when one fails.
type Env interface {
	// Enabled reports whether the named assertion should be checked.
	Enabled(name string) bool

	// HandleAssertionFailure is called with a descriptive error
	// when an enabled assertion does not hold.
	HandleAssertionFailure(err error)
}

// NewEnv returns an Env with every assertion enabled,
// which logs the failure at error level and then panics.
func NewEnv(log *slog.Logger) Env {
	return panicEnv{log: log}
}

type panicEnv struct {
	log *slog.Logger
}

func (panicEnv) Enabled(string) bool { return true }

func (e panicEnv) HandleAssertionFailure(err error) {
	e.log.Error("Assertion failure", "err", err)
	panic(fmt.Errorf("assertion failure: %w", err))
}
