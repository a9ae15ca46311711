package gcrypto

import "context"

// PubKey is the public half of a validator key.
type PubKey interface {
	// PubKeyBytes returns the encoded public key,
	// in the format accepted by the key type's constructor.
	PubKeyBytes() []byte

	// Equal reports whether other is the same key type with the same bytes.
	Equal(other PubKey) bool

	// Verify reports whether sig is a valid signature of msg
	// made by the private key matching this public key.
	Verify(msg, sig []byte) bool

	// TypeName is the name used when the key was registered
	// with a [Registry].
	TypeName() string
}

// Signer produces signatures for a single private key.
//
// Sign accepts a context because implementations may be backed by
// a remote signing service or a hardware module.
type Signer interface {
	PubKey() PubKey

	Sign(ctx context.Context, input []byte) ([]byte, error)
}
