package gcrypto

import (
	"errors"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrUnknownKey       = errors.New("public key is not one of the candidate keys")
	ErrInvalidSignature = errors.New("signature does not verify against message")
)

// CommonMessageSignatureProof manages a mapping of signatures to public keys against a single common message.
// Constructors for instances of CommonMessageSignatureProof should accept a "candidate public keys" slice
// as the SignatureBitSet method reports the indices of those candidate values
// whose signatures we have accepted and validated.
//
// This is intended for collecting validator signatures
// when validators are each signing an identical message,
// such as the commit sign data of a block header.
type CommonMessageSignatureProof interface {
	// Message is the value being signed in this proof.
	Message() []byte

	// PubKeyHash is an implementation-specific hash across all the candidate keys,
	// to be used as a quick check whether two independent proofs
	// reference the same set of validators.
	PubKeyHash() []byte

	// AddSignature adds a signature representing a single key.
	//
	// If the signature does not match, or if the public key was not one of the candidate keys,
	// an error is returned.
	AddSignature(sig []byte, key PubKey) error

	// MergeSparse merges a sparse proof into the current proof.
	// Every signature in the sparse proof is verified before it is accepted.
	MergeSparse(SparseSignatureProof) SignatureProofMergeResult

	// HasSparseKeyID reports whether the full proof already contains a signature
	// matching the given sparse key ID.
	// If the key ID does not properly map into the set of trusted public keys,
	// the "valid" return parameter will be false.
	HasSparseKeyID(keyID []byte) (has, valid bool)

	// Clone returns a copy of the current proof.
	Clone() CommonMessageSignatureProof

	// SignatureBitSet writes the proof's underlying bit set
	// (indicating which of the candidate keys have signatures included in this proof)
	// to the given destination bit set.
	SignatureBitSet(*bitset.BitSet)

	// AsSparse returns a sparse version of the proof,
	// suitable for transmitting over the network or embedding in a block.
	AsSparse() SparseSignatureProof
}

// SparseSignatureProof is a minimal representation of a single signature proof.
//
// This format is suitable for network transmission,
// as it does not encode the entire proof state,
// but it suffices for the remote end with fuller knowledge
// to use MergeSparse to reconstruct the proof.
type SparseSignatureProof struct {
	// The PubKeyHash of the original proof.
	PubKeyHash string

	// The signatures for this proof,
	// along with implementation-specific key IDs.
	Signatures []SparseSignature
}

// SparseSignature is part of a SparseSignatureProof.
type SparseSignature struct {
	// The Key ID is an opaque value, specific to the full proof,
	// indicating which key is represented by the given signature.
	KeyID []byte

	// The bytes of the signature.
	Sig []byte
}

// SignatureProofMergeResult is the result of merging signatures into a proof.
type SignatureProofMergeResult struct {
	// Whether every signature in the input was valid.
	AllValidSignatures bool

	// Whether the merge added at least one new signature.
	IncreasedSignatures bool

	// Whether the input contained every signature the proof had before the merge,
	// plus at least one more.
	WasStrictSuperset bool
}
