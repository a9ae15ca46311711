// Package dbftmemstore holds in-memory implementations of the dbftstore interfaces.
package dbftmemstore

import (
	"context"
	"sync"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftstore"
)

type ContextStore struct {
	mu   sync.Mutex
	snap *dbftconsensus.RoundSnapshot
}

var _ dbftstore.ContextStore = (*ContextStore)(nil)

func NewContextStore() *ContextStore {
	return new(ContextStore)
}

func (s *ContextStore) SaveRoundSnapshot(_ context.Context, snap dbftconsensus.RoundSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = &snap
	return nil
}

func (s *ContextStore) LoadRoundSnapshot(context.Context) (dbftconsensus.RoundSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return dbftconsensus.RoundSnapshot{}, dbftstore.ErrNoSnapshot
	}
	return *s.snap, nil
}

func (s *ContextStore) ClearRoundSnapshot(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
	return nil
}
