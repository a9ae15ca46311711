package dbftconsensus

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // Address derivation is fixed by the protocol.
)

// Hash is a 32-byte double SHA-256 digest,
// used for block, transaction and envelope identity.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Address is the 20-byte script hash identifying a signer,
// derived with [Hash160].
type Address [20]byte

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Hash256 returns SHA-256(SHA-256(b)).
func Hash256(b []byte) Hash {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// Hash160 returns RIPEMD-160(SHA-256(b)).
func Hash160(b []byte) Address {
	first := sha256.Sum256(b)
	r := ripemd160.New()
	_, _ = r.Write(first[:])

	var a Address
	copy(a[:], r.Sum(nil))
	return a
}

// Bytes returns a copy of h as a slice.
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h[:]...)
}
