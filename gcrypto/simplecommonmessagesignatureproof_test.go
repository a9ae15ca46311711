package gcrypto_test

import (
	"context"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/dbft/gcrypto"
	"github.com/gordian-engine/dbft/gcrypto/gcryptotest"
	"github.com/stretchr/testify/require"
)

func TestSimpleCommonMessageSignatureProof(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	signers := gcryptotest.DeterministicEd25519Signers(4)
	keys := gcryptotest.DeterministicEd25519PubKeys(4)
	keyHash := gcrypto.SimplePubKeyHash(keys)

	hello := []byte("hello")
	sigs := make([][]byte, len(signers))
	for i, s := range signers {
		sig, err := s.Sign(ctx, hello)
		require.NoError(t, err)
		sigs[i] = sig
	}

	t.Run("AddSignature", func(t *testing.T) {
		t.Run("accepts valid signature", func(t *testing.T) {
			t.Parallel()

			p := gcrypto.NewSimpleCommonMessageSignatureProof(hello, keys, keyHash)
			require.NoError(t, p.AddSignature(sigs[0], keys[0]))
			require.Equal(t, 1, p.Count())
		})

		t.Run("rejects invalid signature from valid key", func(t *testing.T) {
			t.Parallel()

			p := gcrypto.NewSimpleCommonMessageSignatureProof(hello, keys, keyHash)
			require.ErrorIs(t, p.AddSignature(sigs[1], keys[0]), gcrypto.ErrInvalidSignature)
			require.Zero(t, p.Count())
		})

		t.Run("unknown key", func(t *testing.T) {
			t.Parallel()

			p := gcrypto.NewSimpleCommonMessageSignatureProof(hello, keys[:2], gcrypto.SimplePubKeyHash(keys[:2]))
			require.ErrorIs(t, p.AddSignature(sigs[3], keys[3]), gcrypto.ErrUnknownKey)
		})
	})

	t.Run("sparse round trip", func(t *testing.T) {
		t.Parallel()

		p := gcrypto.NewSimpleCommonMessageSignatureProof(hello, keys, keyHash)
		require.NoError(t, p.AddSignature(sigs[3], keys[3]))
		require.NoError(t, p.AddSignature(sigs[1], keys[1]))

		sparse := p.AsSparse()
		require.Equal(t, keyHash, sparse.PubKeyHash)
		require.Len(t, sparse.Signatures, 2)

		// Sorted by key ID.
		require.Equal(t, []byte{0, 1}, sparse.Signatures[0].KeyID)
		require.Equal(t, []byte{0, 3}, sparse.Signatures[1].KeyID)

		q := gcrypto.NewSimpleCommonMessageSignatureProof(hello, keys, keyHash)
		res := q.MergeSparse(sparse)
		require.True(t, res.AllValidSignatures)
		require.True(t, res.IncreasedSignatures)
		require.True(t, res.WasStrictSuperset)

		var bs bitset.BitSet
		q.SignatureBitSet(&bs)
		require.Equal(t, uint(2), bs.Count())
		require.True(t, bs.Test(1))
		require.True(t, bs.Test(3))

		has, valid := q.HasSparseKeyID([]byte{0, 3})
		require.True(t, has)
		require.True(t, valid)

		has, valid = q.HasSparseKeyID([]byte{0, 2})
		require.False(t, has)
		require.True(t, valid)

		_, valid = q.HasSparseKeyID([]byte{0, 9})
		require.False(t, valid)
	})

	t.Run("MergeSparse rejects bad entries", func(t *testing.T) {
		t.Parallel()

		p := gcrypto.NewSimpleCommonMessageSignatureProof(hello, keys, keyHash)
		res := p.MergeSparse(gcrypto.SparseSignatureProof{
			PubKeyHash: keyHash,
			Signatures: []gcrypto.SparseSignature{
				{KeyID: []byte{0, 0}, Sig: sigs[0]},
				{KeyID: []byte{0, 1}, Sig: sigs[2]}, // Wrong signer.
				{KeyID: []byte{0, 7}, Sig: sigs[3]}, // Out of range.
			},
		})
		require.False(t, res.AllValidSignatures)
		require.True(t, res.IncreasedSignatures)
		require.Equal(t, 1, p.Count())

		// Mismatched key hash is ignored entirely.
		res = p.MergeSparse(gcrypto.SparseSignatureProof{PubKeyHash: "other"})
		require.Equal(t, gcrypto.SignatureProofMergeResult{}, res)
	})

	t.Run("Clone is independent", func(t *testing.T) {
		t.Parallel()

		p := gcrypto.NewSimpleCommonMessageSignatureProof(hello, keys, keyHash)
		require.NoError(t, p.AddSignature(sigs[0], keys[0]))

		c := p.Clone()
		require.NoError(t, c.AddSignature(sigs[1], keys[1]))

		require.Equal(t, 1, p.Count())
		require.Len(t, c.AsSparse().Signatures, 2)
	})
}
