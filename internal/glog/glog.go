// Package glog contains slog helpers shared across packages.
package glog

import (
	"encoding/hex"
	"log/slog"
)

// Hex is a byte slice that logs as hex.
// It is evaluated lazily, so it is cheap when the log level is disabled.
type Hex []byte

func (h Hex) LogValue() slog.Value {
	return slog.StringValue(hex.EncodeToString(h))
}

// Byzantine is the attribute attached to log lines
// that record evidence of a misbehaving validator.
var Byzantine = slog.Bool("byzantine", true)
