package gcryptotest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gordian-engine/dbft/gcrypto"
)

var (
	edMu      sync.Mutex
	edSigners []gcrypto.Ed25519Signer

	secpMu      sync.Mutex
	secpSigners []gcrypto.Secp256k1Signer
)

// seed returns 32 bytes derived only from the label and index,
// so the same keys are produced on every run.
func seed(label string, i int) [32]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	return sha256.Sum256(append([]byte(label), b[:]...))
}

// DeterministicEd25519Signers returns a deterministic slice of ed25519 signers.
//
// Keys are cached, so repeated calls across tests
// do not pay the key generation cost again.
func DeterministicEd25519Signers(n int) []gcrypto.Ed25519Signer {
	edMu.Lock()
	defer edMu.Unlock()

	for i := len(edSigners); i < n; i++ {
		s := seed("ed25519", i)
		edSigners = append(edSigners, gcrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(s[:])))
	}

	out := make([]gcrypto.Ed25519Signer, n)
	copy(out, edSigners)
	return out
}

// DeterministicSecp256k1Signers is like [DeterministicEd25519Signers]
// but for secp256k1 keys.
func DeterministicSecp256k1Signers(n int) []gcrypto.Secp256k1Signer {
	secpMu.Lock()
	defer secpMu.Unlock()

	for i := len(secpSigners); i < n; i++ {
		s := seed("secp256k1", i)
		secpSigners = append(secpSigners, gcrypto.NewSecp256k1Signer(secp256k1.PrivKeyFromBytes(s[:])))
	}

	out := make([]gcrypto.Secp256k1Signer, n)
	copy(out, secpSigners)
	return out
}

// DeterministicEd25519PubKeys returns the public keys
// of the first n deterministic ed25519 signers.
func DeterministicEd25519PubKeys(n int) []gcrypto.PubKey {
	signers := DeterministicEd25519Signers(n)
	out := make([]gcrypto.PubKey, n)
	for i, s := range signers {
		out[i] = s.PubKey()
	}
	return out
}
