package dbftconsensus_test

import (
	"testing"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/stretchr/testify/require"
)

func TestQuorum(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		n, f, m int
	}{
		{n: 1, f: 0, m: 1},
		{n: 4, f: 1, m: 3},
		{n: 5, f: 1, m: 4},
		{n: 7, f: 2, m: 5},
		{n: 10, f: 3, m: 7},
		{n: 21, f: 6, m: 15},
	} {
		require.Equalf(t, tc.f, dbftconsensus.MaxFaulty(tc.n), "MaxFaulty(%d)", tc.n)
		require.Equalf(t, tc.m, dbftconsensus.Quorum(tc.n), "Quorum(%d)", tc.n)

		// Two quorums always overlap in more than f validators.
		require.Greater(t, 2*tc.m-tc.n, tc.f)
	}
}

func TestPrimaryIndex(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint8(0), dbftconsensus.PrimaryIndex(1, 1, 7))
	require.Equal(t, uint8(1), dbftconsensus.PrimaryIndex(1, 0, 7))
	require.Equal(t, uint8(1), dbftconsensus.PrimaryIndex(1, 0, 4))

	// Wraps to the end of the set instead of going negative.
	require.Equal(t, uint8(3), dbftconsensus.PrimaryIndex(1, 2, 4))
	require.Equal(t, uint8(4), dbftconsensus.PrimaryIndex(0, 255, 7))

	// Each view change moves the primary one slot back.
	const n = 7
	prev := dbftconsensus.PrimaryIndex(100, 0, n)
	for v := uint8(1); v < 20; v++ {
		cur := dbftconsensus.PrimaryIndex(100, v, n)
		require.Equal(t, (int(prev)+n-1)%n, int(cur))
		prev = cur
	}
}
