// Package dbftstoretest contains compliance tests for dbftstore implementations.
package dbftstoretest

import (
	"context"
	"testing"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus/dbftconsensustest"
	"github.com/gordian-engine/dbft/dbft/dbftstore"
	"github.com/stretchr/testify/require"
)

// ContextStoreFactory returns a new, empty store.
// Cleanup belongs in t.Cleanup.
type ContextStoreFactory func(t *testing.T) dbftstore.ContextStore

// TestContextStoreCompliance runs the behavior every
// [dbftstore.ContextStore] must have.
func TestContextStoreCompliance(t *testing.T, f ContextStoreFactory) {
	t.Run("empty store", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		s := f(t)

		_, err := s.LoadRoundSnapshot(ctx)
		require.ErrorIs(t, err, dbftstore.ErrNoSnapshot)

		// Clearing nothing is fine.
		require.NoError(t, s.ClearRoundSnapshot(ctx))
	})

	t.Run("save and load", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		s := f(t)

		snap := newSnapshot(t, 1, 0)
		require.NoError(t, s.SaveRoundSnapshot(ctx, snap))

		got, err := s.LoadRoundSnapshot(ctx)
		require.NoError(t, err)
		require.Equal(t, snap, got)
	})

	t.Run("save overwrites", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		s := f(t)

		require.NoError(t, s.SaveRoundSnapshot(ctx, newSnapshot(t, 1, 0)))
		later := newSnapshot(t, 1, 2)
		require.NoError(t, s.SaveRoundSnapshot(ctx, later))

		got, err := s.LoadRoundSnapshot(ctx)
		require.NoError(t, err)
		require.Equal(t, later, got)
	})

	t.Run("clear", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		s := f(t)

		require.NoError(t, s.SaveRoundSnapshot(ctx, newSnapshot(t, 3, 1)))
		require.NoError(t, s.ClearRoundSnapshot(ctx))

		_, err := s.LoadRoundSnapshot(ctx)
		require.ErrorIs(t, err, dbftstore.ErrNoSnapshot)
	})
}

// newSnapshot returns a snapshot of a round in which validator 0
// holds the request, two responses, its own commit and one change view.
func newSnapshot(t *testing.T, h uint32, view uint8) dbftconsensus.RoundSnapshot {
	t.Helper()

	ctx := context.Background()
	fx := dbftconsensustest.NewEd25519Fixture(4)

	prev := fx.Genesis
	prev.Index = h - 1

	tx := dbftconsensus.Transaction{
		Nonce:           h,
		NetworkFee:      100,
		ValidUntilBlock: h + 10,
		Script:          []byte("script"),
	}
	reqMsg := fx.PrepareRequest(prev, view, dbftconsensustest.GenesisTimestamp+uint64(h)*1000, []dbftconsensus.Transaction{tx})
	primary := int(reqMsg.ValidatorIndex)

	req, err := fx.SignedPayload(ctx, primary, reqMsg)
	require.NoError(t, err)

	snap := dbftconsensus.RoundSnapshot{
		Version:       reqMsg.PrepareRequest.Version,
		BlockIndex:    h,
		Timestamp:     reqMsg.PrepareRequest.Timestamp,
		Nonce:         reqMsg.PrepareRequest.Nonce,
		PrimaryIndex:  reqMsg.ValidatorIndex,
		NextConsensus: dbftconsensus.ConsensusAddress(fx.Keys),
		ViewNumber:    view,

		TransactionHashes: reqMsg.PrepareRequest.TransactionHashes,
		Transactions:      []dbftconsensus.Transaction{tx},

		Preparations:    make([]*dbftconsensus.Envelope, 4),
		Commits:         make([]*dbftconsensus.Envelope, 4),
		ChangeViews:     make([]*dbftconsensus.Envelope, 4),
		LastChangeViews: make([]*dbftconsensus.Envelope, 4),
	}
	snap.Preparations[primary] = &req.Envelope

	for _, idx := range []int{(primary + 1) % 4, (primary + 2) % 4} {
		resp, err := fx.SignedPayload(ctx, idx, dbftconsensus.Message{
			Type:            dbftconsensus.MessageTypePrepareResponse,
			BlockIndex:      h,
			ViewNumber:      view,
			PrepareResponse: &dbftconsensus.PrepareResponse{PreparationHash: req.Envelope.Hash()},
		})
		require.NoError(t, err)
		snap.Preparations[idx] = &resp.Envelope
	}

	commit, err := fx.SignedCommit(ctx, 0, view, fx.CandidateHeader(prev, reqMsg))
	require.NoError(t, err)
	snap.Commits[0] = &commit.Envelope

	cv, err := fx.SignedPayload(ctx, 3, dbftconsensus.Message{
		Type:       dbftconsensus.MessageTypeChangeView,
		BlockIndex: h,
		ViewNumber: view,
		ChangeView: &dbftconsensus.ChangeView{NewViewNumber: view + 1, Timestamp: 5},
	})
	require.NoError(t, err)
	snap.ChangeViews[3] = &cv.Envelope

	return snap
}
