package gcrypto

import (
	"bytes"
	"context"
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const secp256k1TypeName = "secp256k"

// Secp256k1SignatureSize is the length of the R || S signatures
// produced by [Secp256k1Signer].
const Secp256k1SignatureSize = 64

// RegisterSecp256k1 registers secp256k1 with the given Registry.
// There is no global registry; it is the caller's responsibility
// to register as needed.
func RegisterSecp256k1(reg *Registry) {
	reg.Register(secp256k1TypeName, NewSecp256k1PubKey)
}

// Secp256k1PubKey holds a compressed secp256k1 public key.
type Secp256k1PubKey struct {
	k *secp256k1.PublicKey
}

func NewSecp256k1PubKey(b []byte) (PubKey, error) {
	k, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, err
	}
	return Secp256k1PubKey{k: k}, nil
}

func (e Secp256k1PubKey) PubKeyBytes() []byte {
	return e.k.SerializeCompressed()
}

// Verify checks a 64-byte R || S signature over the SHA-256 digest of msg.
func (e Secp256k1PubKey) Verify(msg, sig []byte) bool {
	if len(sig) != Secp256k1SignatureSize {
		return false
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return false
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow || s.IsZero() {
		return false
	}

	digest := sha256.Sum256(msg)
	return ecdsa.NewSignature(&r, &s).Verify(digest[:], e.k)
}

func (e Secp256k1PubKey) Equal(other PubKey) bool {
	o, ok := other.(Secp256k1PubKey)
	if !ok {
		return false
	}

	return bytes.Equal(e.PubKeyBytes(), o.PubKeyBytes())
}

func (Secp256k1PubKey) TypeName() string {
	return secp256k1TypeName
}

type Secp256k1Signer struct {
	priv *secp256k1.PrivateKey
	pub  Secp256k1PubKey
}

func NewSecp256k1Signer(priv *secp256k1.PrivateKey) Secp256k1Signer {
	return Secp256k1Signer{
		priv: priv,
		pub:  Secp256k1PubKey{k: priv.PubKey()},
	}
}

func (s Secp256k1Signer) PubKey() PubKey {
	return s.pub
}

// Sign returns R || S over the SHA-256 digest of input.
func (s Secp256k1Signer) Sign(_ context.Context, input []byte) ([]byte, error) {
	digest := sha256.Sum256(input)

	// The compact form is a recovery byte followed by R and S.
	compact := ecdsa.SignCompact(s.priv, digest[:], true)
	return compact[1:], nil
}
