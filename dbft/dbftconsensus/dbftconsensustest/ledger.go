package dbftconsensustest

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/gcrypto"
)

// Ledger is an in-memory [dbftconsensus.Ledger] with a fixed validator set.
type Ledger struct {
	mu      sync.Mutex
	blocks  []dbftconsensus.Block
	vals    []gcrypto.PubKey
	changed chan struct{}

	// PersistHook, if set, is called with every block
	// after it is appended, outside the lock.
	PersistHook func(dbftconsensus.Block)
}

var _ dbftconsensus.Ledger = (*Ledger)(nil)

func NewLedger(genesis dbftconsensus.Header, vals []gcrypto.PubKey) *Ledger {
	return &Ledger{
		blocks:  []dbftconsensus.Block{{Header: genesis}},
		vals:    vals,
		changed: make(chan struct{}),
	}
}

func (l *Ledger) CurrentHeight(context.Context) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint32(len(l.blocks) - 1), nil
}

func (l *Ledger) HeaderAt(_ context.Context, index uint32) (dbftconsensus.Header, error) {
	b, ok := l.Block(index)
	if !ok {
		return dbftconsensus.Header{}, fmt.Errorf("no block at height %d", index)
	}
	return b.Header, nil
}

func (l *Ledger) ValidatorsFor(context.Context, uint32) ([]gcrypto.PubKey, error) {
	return l.vals, nil
}

// Persist appends b if it extends the chain.
func (l *Ledger) Persist(_ context.Context, b dbftconsensus.Block) error {
	l.mu.Lock()
	tip := l.blocks[len(l.blocks)-1]
	if b.Header.Index != tip.Header.Index+1 {
		l.mu.Unlock()
		return fmt.Errorf("block %d does not extend height %d", b.Header.Index, tip.Header.Index)
	}
	if b.Header.PrevHash != tip.Header.Hash() {
		l.mu.Unlock()
		return fmt.Errorf("block %d has wrong previous hash %s", b.Header.Index, b.Header.PrevHash)
	}
	l.blocks = append(l.blocks, b)
	close(l.changed)
	l.changed = make(chan struct{})
	hook := l.PersistHook
	l.mu.Unlock()

	if hook != nil {
		hook(b)
	}
	return nil
}

// Block returns the persisted block at index.
func (l *Ledger) Block(index uint32) (dbftconsensus.Block, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if int(index) >= len(l.blocks) {
		return dbftconsensus.Block{}, false
	}
	return l.blocks[index], true
}

// WaitForHeight blocks until a block at height h is persisted
// or ctx is done.
func (l *Ledger) WaitForHeight(ctx context.Context, h uint32) error {
	for {
		l.mu.Lock()
		height := uint32(len(l.blocks) - 1)
		ch := l.changed
		l.mu.Unlock()

		if height >= h {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for height %d (at %d): %w", h, height, context.Cause(ctx))
		case <-ch:
		}
	}
}
