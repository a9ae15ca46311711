package dbftmempool_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftmempool"
	"github.com/gordian-engine/dbft/internal/gtest"
	"github.com/stretchr/testify/require"
)

func tx(nonce uint32, networkFee int64) dbftconsensus.Transaction {
	return dbftconsensus.Transaction{
		Nonce:           nonce,
		NetworkFee:      networkFee,
		ValidUntilBlock: 100,
		Script:          []byte{0x01, 0x02, 0x03, 0x04},
	}
}

func TestPool_CandidatesOrderedByFeePerByte(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := dbftmempool.New(gtest.NewLogger(t), dbftmempool.Config{})

	low, mid, high := tx(1, 100), tx(2, 1000), tx(3, 10000)
	for _, x := range []dbftconsensus.Transaction{mid, low, high} {
		require.NoError(t, p.Add(ctx, x))
	}

	got := p.Candidates(ctx, 10)
	require.Equal(t, []dbftconsensus.Transaction{high, mid, low}, got)

	got = p.Candidates(ctx, 2)
	require.Equal(t, []dbftconsensus.Transaction{high, mid}, got)

	// Candidates does not consume the pool.
	require.Equal(t, 3, p.Len())
}

func TestPool_EqualFeeKeepsArrivalOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := dbftmempool.New(gtest.NewLogger(t), dbftmempool.Config{})

	a, b, c := tx(1, 500), tx(2, 500), tx(3, 500)
	for _, x := range []dbftconsensus.Transaction{a, b, c} {
		require.NoError(t, p.Add(ctx, x))
	}
	require.Equal(t, []dbftconsensus.Transaction{a, b, c}, p.Candidates(ctx, 3))
}

func TestPool_Verify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := dbftmempool.New(gtest.NewLogger(t), dbftmempool.Config{
		MinFeePerByte: 10,
		MaxSystemFee:  50,
	})

	require.ErrorIs(t, p.Verify(ctx, dbftconsensus.Transaction{ValidUntilBlock: 10}), dbftconsensus.ErrTxInvalid)

	cheap := tx(1, 1)
	require.ErrorIs(t, p.Verify(ctx, cheap), dbftconsensus.ErrTxPolicy)

	pricy := tx(2, 10000)
	pricy.SystemFee = 51
	require.ErrorIs(t, p.Verify(ctx, pricy), dbftconsensus.ErrTxPolicy)

	pricy.SystemFee = 50
	require.NoError(t, p.Verify(ctx, pricy))

	require.ErrorIs(t, p.Add(ctx, cheap), dbftconsensus.ErrTxPolicy)
	require.Zero(t, p.Len())
}

func TestPool_Capacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := dbftmempool.New(gtest.NewLogger(t), dbftmempool.Config{Capacity: 2})

	a, b := tx(1, 500), tx(2, 1000)
	require.NoError(t, p.Add(ctx, a))
	require.NoError(t, p.Add(ctx, b))

	// Not better than the worst entry.
	require.ErrorIs(t, p.Add(ctx, tx(3, 500)), dbftconsensus.ErrTxPolicy)

	// Better: evicts a.
	c := tx(4, 2000)
	require.NoError(t, p.Add(ctx, c))
	require.Equal(t, 2, p.Len())
	_, ok := p.Get(ctx, a.Hash())
	require.False(t, ok)
	require.Equal(t, []dbftconsensus.Transaction{c, b}, p.Candidates(ctx, 5))
}

func TestPool_BlockPersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := dbftmempool.New(gtest.NewLogger(t), dbftmempool.Config{})

	included := tx(1, 100)
	expiring := tx(2, 100)
	expiring.ValidUntilBlock = 5
	kept := tx(3, 100)
	for _, x := range []dbftconsensus.Transaction{included, expiring, kept} {
		require.NoError(t, p.Add(ctx, x))
	}

	p.BlockPersisted(dbftconsensus.Block{
		Header:       dbftconsensus.Header{Index: 5},
		Transactions: []dbftconsensus.Transaction{included},
	})

	require.Equal(t, []dbftconsensus.Transaction{kept}, p.Candidates(ctx, 10))
	got, ok := p.Get(ctx, kept.Hash())
	require.True(t, ok)
	require.Equal(t, kept, got)

	// Expired at the new height.
	require.ErrorIs(t, p.Verify(ctx, expiring), dbftconsensus.ErrTxInvalid)
}
