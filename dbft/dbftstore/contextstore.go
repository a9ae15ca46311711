// Package dbftstore defines storage used by the dBFT engine.
package dbftstore

import (
	"context"
	"errors"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
)

// ErrNoSnapshot is returned by [ContextStore.LoadRoundSnapshot]
// when nothing has been saved since the last clear.
var ErrNoSnapshot = errors.New("no round snapshot saved")

// ContextStore is the recovery log for the consensus context.
//
// The engine saves a snapshot right before broadcasting its commit,
// loads it on start, and clears it after the block is persisted.
// Only the latest snapshot is kept.
type ContextStore interface {
	SaveRoundSnapshot(ctx context.Context, s dbftconsensus.RoundSnapshot) error

	LoadRoundSnapshot(ctx context.Context) (dbftconsensus.RoundSnapshot, error)

	// ClearRoundSnapshot is not an error when nothing is saved.
	ClearRoundSnapshot(ctx context.Context) error
}
