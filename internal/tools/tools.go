//go:build tools

// Package tools pins the versions of code generators used by go:generate.
package tools

import (
	_ "golang.org/x/tools/cmd/stringer"
)
