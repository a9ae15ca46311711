package dbftddev

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/gcrypto"
)

// Ledger is an in-memory chain with a fixed validator set.
type Ledger struct {
	mu     sync.RWMutex
	blocks []dbftconsensus.Block
	vals   []gcrypto.PubKey

	onPersist func(dbftconsensus.Block)
}

var _ dbftconsensus.Ledger = (*Ledger)(nil)

// NewLedger returns a ledger holding only genesis.
// If onPersist is not nil, it is called with each appended block,
// outside the ledger lock.
func NewLedger(genesis dbftconsensus.Header, vals []gcrypto.PubKey, onPersist func(dbftconsensus.Block)) *Ledger {
	return &Ledger{
		blocks:    []dbftconsensus.Block{{Header: genesis}},
		vals:      vals,
		onPersist: onPersist,
	}
}

func (l *Ledger) CurrentHeight(context.Context) (uint32, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
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

// Persist appends b if it directly extends the chain.
func (l *Ledger) Persist(_ context.Context, b dbftconsensus.Block) error {
	l.mu.Lock()
	tip := l.blocks[len(l.blocks)-1].Header
	if b.Header.Index != tip.Index+1 {
		l.mu.Unlock()
		return fmt.Errorf("block %d does not extend height %d", b.Header.Index, tip.Index)
	}
	if b.Header.PrevHash != tip.Hash() {
		l.mu.Unlock()
		return fmt.Errorf("block %d has previous hash %s, want %s", b.Header.Index, b.Header.PrevHash, tip.Hash())
	}
	l.blocks = append(l.blocks, b)
	l.mu.Unlock()

	if l.onPersist != nil {
		l.onPersist(b)
	}
	return nil
}

// Block returns the block at index, if persisted.
func (l *Ledger) Block(index uint32) (dbftconsensus.Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if int(index) >= len(l.blocks) {
		return dbftconsensus.Block{}, false
	}
	return l.blocks[index], true
}
