package gcrypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"maps"
	"sort"

	"github.com/bits-and-blooms/bitset"
)

// SimpleCommonMessageSignatureProof is the simplest signature proof,
// which only tracks pairs of signatures and public keys.
// It works with any non-aggregating key type, such as ed25519 or secp256k1.
//
// Key IDs in sparse signatures are the big endian uint16 index
// of the key in the candidate key slice.
type SimpleCommonMessageSignatureProof struct {
	msg []byte

	// string(signature bytes) -> signing key
	sigs map[string]PubKey

	// The candidate keys from the call to NewSimpleCommonMessageSignatureProof.
	keys []PubKey

	// string(pub key bytes) -> index in candidateKeys
	keyIdxs map[string]int

	// Indication of the set of candidate keys,
	// so that different proofs can agree that they are comparing
	// against the same public key set.
	keyHash string

	bitset *bitset.BitSet
}

func NewSimpleCommonMessageSignatureProof(msg []byte, candidateKeys []PubKey, pubKeyHash string) SimpleCommonMessageSignatureProof {
	keyIdxs := make(map[string]int, len(candidateKeys))

	for i, k := range candidateKeys {
		keyIdxs[string(k.PubKeyBytes())] = i
	}

	return SimpleCommonMessageSignatureProof{
		msg:     msg,
		sigs:    make(map[string]PubKey),
		keyIdxs: keyIdxs,

		keys: candidateKeys,

		keyHash: pubKeyHash,

		bitset: bitset.New(uint(len(candidateKeys))),
	}
}

// SimplePubKeyHash returns the SHA-256 digest over the concatenated bytes of keys,
// suitable as the pubKeyHash argument to [NewSimpleCommonMessageSignatureProof].
func SimplePubKeyHash(keys []PubKey) string {
	h := sha256.New()
	for _, k := range keys {
		_, _ = h.Write(k.PubKeyBytes())
	}
	return string(h.Sum(nil))
}

func (p SimpleCommonMessageSignatureProof) Message() []byte {
	return p.msg
}

func (p SimpleCommonMessageSignatureProof) PubKeyHash() []byte {
	return []byte(p.keyHash)
}

func (p SimpleCommonMessageSignatureProof) AddSignature(sig []byte, key PubKey) error {
	keyIdx, ok := p.keyIdxs[string(key.PubKeyBytes())]
	if !ok {
		return ErrUnknownKey
	}
	if !key.Verify(p.msg, sig) {
		return ErrInvalidSignature
	}

	p.sigs[string(sig)] = key
	p.bitset.Set(uint(keyIdx))
	return nil
}

func (p SimpleCommonMessageSignatureProof) Clone() CommonMessageSignatureProof {
	return SimpleCommonMessageSignatureProof{
		msg: bytes.Clone(p.msg),

		sigs: maps.Clone(p.sigs), // Okay to have new references to same public key values.

		keys: p.keys,

		keyHash: p.keyHash,

		keyIdxs: maps.Clone(p.keyIdxs),

		bitset: p.bitset.Clone(),
	}
}

func (p SimpleCommonMessageSignatureProof) SignatureBitSet(dst *bitset.BitSet) {
	p.bitset.CopyFull(dst)
}

// Count returns the number of candidate keys with an accepted signature.
func (p SimpleCommonMessageSignatureProof) Count() int {
	return int(p.bitset.Count())
}

func (p SimpleCommonMessageSignatureProof) AsSparse() SparseSignatureProof {
	sparseSigs := make([]SparseSignature, 0, len(p.sigs))
	for sigBytes, pubKey := range p.sigs {
		keyIdx := p.keyIdxs[string(pubKey.PubKeyBytes())]

		b := [2]byte{}
		binary.BigEndian.PutUint16(b[:], uint16(keyIdx))

		sparseSigs = append(sparseSigs, SparseSignature{
			KeyID: b[:],
			Sig:   []byte(sigBytes),
		})
	}

	// Ensure the outgoing signatures are always in key-sorted order.
	// No key IDs should be duplicated, so this doesn't need a stable sort.
	sort.Slice(sparseSigs, func(i, j int) bool {
		return bytes.Compare(sparseSigs[i].KeyID, sparseSigs[j].KeyID) < 0
	})

	return SparseSignatureProof{
		PubKeyHash: p.keyHash,

		Signatures: sparseSigs,
	}
}

func (p SimpleCommonMessageSignatureProof) MergeSparse(s SparseSignatureProof) SignatureProofMergeResult {
	if p.keyHash != s.PubKeyHash {
		return SignatureProofMergeResult{}
	}

	res := SignatureProofMergeResult{
		// Assume all signatures are valid until we encounter an invalid one.
		AllValidSignatures: true,
	}

	addedBS := bitset.New(uint(len(p.keys)))
	bsBefore := p.bitset.Clone()

	for _, sparseSig := range s.Signatures {
		if len(sparseSig.KeyID) != 2 {
			res.AllValidSignatures = false
			continue
		}

		n := int(binary.BigEndian.Uint16(sparseSig.KeyID))
		if n >= len(p.keys) {
			res.AllValidSignatures = false
			continue
		}
		key := p.keys[n]

		if err := p.AddSignature(sparseSig.Sig, key); err != nil {
			res.AllValidSignatures = false
			continue
		}

		addedBS.Set(uint(n))
	}
	if p.bitset.Count() > bsBefore.Count() {
		res.IncreasedSignatures = true
	}

	res.WasStrictSuperset = addedBS.IsStrictSuperSet(bsBefore)

	return res
}

func (p SimpleCommonMessageSignatureProof) HasSparseKeyID(keyID []byte) (has, valid bool) {
	if len(keyID) != 2 {
		// Invalid because the key IDs must be a big endian uint16.
		return false, false
	}

	idx := int(binary.BigEndian.Uint16(keyID))
	if idx >= len(p.keys) {
		return false, false
	}

	return p.bitset.Test(uint(idx)), true
}
