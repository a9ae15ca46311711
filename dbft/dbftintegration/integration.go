package dbftintegration

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/internal/gtest"
	"github.com/stretchr/testify/require"
)

// RunIntegrationTest runs the consensus scenarios shared by every network implementation.
func RunIntegrationTest(t *testing.T, f Factory) {
	t.Run("all validators online", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := NewCluster(t, ctx, 4, f)

		tx := dbftconsensus.Transaction{
			Nonce:           1,
			NetworkFee:      1000,
			ValidUntilBlock: 100,
			Script:          []byte("transfer"),
		}
		c.AddTransaction(ctx, tx)

		c.StartAll(ctx)

		c.WaitForHeight(ctx, 3, gtest.ScaleMs(5000), Indices(0, 4)...)
		c.RequireConsistent(3)

		// Height 1 may need a view change while the transport is still connecting.
		c.RequireViewZero(0, 2, 3)

		b, ok := c.Nodes[0].Ledger.Block(1)
		require.True(t, ok)
		require.Equal(t, []dbftconsensus.Transaction{tx}, b.Transactions)
		require.GreaterOrEqual(t, len(b.Witness.Signatures), dbftconsensus.Quorum(4))

		// Persisted transactions leave the pool.
		require.Eventually(t, func() bool {
			return c.Nodes[0].Pool.Len() == 0
		}, gtest.ScaleMs(500), gtest.ScaleMs(10))

		b2, ok := c.Nodes[0].Ledger.Block(2)
		require.True(t, ok)
		require.Empty(t, b2.Transactions)
	})

	t.Run("seven validators with two offline", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := NewCluster(t, ctx, 7, f)
		online := Indices(0, 5)
		for _, idx := range online {
			c.Start(ctx, idx)
		}

		// Validator 5 is primary for height 5 in view 0,
		// so that block needs a view change.
		c.WaitForHeight(ctx, 5, gtest.ScaleMs(10000), online...)
		c.RequireConsistent(5)

		// Five of seven is exactly a quorum, which is enough while the primary is online.
		c.RequireViewZero(0, 2, 4)

		b, ok := c.Nodes[0].Ledger.Block(5)
		require.True(t, ok)
		require.Equal(t, uint8(4), b.Header.PrimaryIndex)
		require.Equal(t, uint(dbftconsensus.Quorum(7)), b.Witness.Signers.Count())
	})

	t.Run("primary offline", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := NewCluster(t, ctx, 4, f)

		// Validator 1 would propose height 1.
		online := []int{0, 2, 3}
		for _, idx := range online {
			c.Start(ctx, idx)
		}

		c.WaitForHeight(ctx, 1, gtest.ScaleMs(5000), online...)
		c.RequireConsistent(1)

		b, ok := c.Nodes[0].Ledger.Block(1)
		require.True(t, ok)
		require.Equal(t, uint8(0), b.Header.PrimaryIndex)
		require.False(t, b.Witness.Signers.Test(1))
	})

	t.Run("conflicting messages from one validator", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := NewCluster(t, ctx, 4, f)
		honest := []int{0, 1, 2}
		for _, idx := range honest {
			c.Start(ctx, idx)
		}

		byz, err := c.net.Connect(ctx, 3)
		require.NoError(t, err)
		defer byz.Disconnect()

		fx := c.Fx

		// A commit for a header nobody proposed.
		bogus := fx.CandidateHeader(
			fx.Genesis,
			fx.PrepareRequest(fx.Genesis, 0, uint64(time.Now().UnixMilli()), nil),
		)
		bogus.Nonce ^= 0xffff
		commit, err := fx.SignedCommit(ctx, 3, 0, bogus)
		require.NoError(t, err)
		require.NoError(t, byz.Broadcast(ctx, commit.Envelope))

		// A proposal from a validator that is not primary.
		req := fx.PrepareRequest(fx.Genesis, 0, uint64(time.Now().UnixMilli()), nil)
		rogue, err := fx.SignedPayload(ctx, 3, req)
		require.NoError(t, err)
		require.NoError(t, byz.Broadcast(ctx, rogue.Envelope))

		// Two prepare responses for different requests in the same view.
		for _, nonce := range []byte{1, 2} {
			var prepHash dbftconsensus.Hash
			prepHash[0] = nonce
			resp, err := fx.SignedPayload(ctx, 3, dbftconsensus.Message{
				Type:       dbftconsensus.MessageTypePrepareResponse,
				BlockIndex: 1,
				PrepareResponse: &dbftconsensus.PrepareResponse{
					PreparationHash: prepHash,
				},
			})
			require.NoError(t, err)
			require.NoError(t, byz.Broadcast(ctx, resp.Envelope))
		}

		// A change view that jumps ahead on its own.
		cv, err := fx.SignedPayload(ctx, 3, dbftconsensus.Message{
			Type:       dbftconsensus.MessageTypeChangeView,
			BlockIndex: 1,
			ChangeView: &dbftconsensus.ChangeView{
				NewViewNumber: 9,
				Timestamp:     uint64(time.Now().UnixMilli()),
			},
		})
		require.NoError(t, err)
		require.NoError(t, byz.Broadcast(ctx, cv.Envelope))

		c.WaitForHeight(ctx, 2, gtest.ScaleMs(5000), honest...)
		c.RequireConsistent(2)

		for _, idx := range honest {
			b, ok := c.Nodes[idx].Ledger.Block(1)
			require.True(t, ok)
			require.False(t, b.Witness.Signers.Test(3))
			require.NotEqual(t, bogus.Hash(), b.Hash())
		}
	})

	t.Run("validator restarts and catches up", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := NewCluster(t, ctx, 4, f)
		c.StartAll(ctx)

		c.WaitForHeight(ctx, 2, gtest.ScaleMs(5000), Indices(0, 4)...)

		c.Stop(3)
		stoppedAt, err := c.Nodes[3].Ledger.CurrentHeight(ctx)
		require.NoError(t, err)

		// The other three are still a quorum.
		c.WaitForHeight(ctx, stoppedAt+2, gtest.ScaleMs(5000), 0, 1, 2)

		c.Start(ctx, 3)
		c.WaitForHeight(ctx, stoppedAt+4, gtest.ScaleMs(10000), Indices(0, 4)...)
		c.RequireConsistent(stoppedAt + 4)
	})
}
