package dbftbolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gordian-engine/dbft/dbft/dbftcodec/dbftcbor"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftstore"
	"github.com/gordian-engine/dbft/dbft/dbftstore/dbftbolt"
	"github.com/gordian-engine/dbft/dbft/dbftstore/dbftstoretest"
	"github.com/stretchr/testify/require"
)

func TestContextStoreCompliance(t *testing.T) {
	t.Parallel()

	dbftstoretest.TestContextStoreCompliance(t, func(t *testing.T) dbftstore.ContextStore {
		s, err := dbftbolt.NewContextStore(filepath.Join(t.TempDir(), "dbft.db"), dbftcbor.MarshalCodec{})
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, s.Close()) })
		return s
	})
}

func TestContextStore_survivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dbft.db")

	s, err := dbftbolt.NewContextStore(path, dbftcbor.MarshalCodec{})
	require.NoError(t, err)

	snap := dbftconsensus.RoundSnapshot{
		BlockIndex:      9,
		ViewNumber:      2,
		Preparations:    make([]*dbftconsensus.Envelope, 4),
		Commits:         make([]*dbftconsensus.Envelope, 4),
		ChangeViews:     make([]*dbftconsensus.Envelope, 4),
		LastChangeViews: make([]*dbftconsensus.Envelope, 4),
	}
	require.NoError(t, s.SaveRoundSnapshot(ctx, snap))
	require.NoError(t, s.Close())

	s, err = dbftbolt.NewContextStore(path, dbftcbor.MarshalCodec{})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadRoundSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(9), got.BlockIndex)
	require.Equal(t, uint8(2), got.ViewNumber)
	require.Len(t, got.Commits, 4)
}
