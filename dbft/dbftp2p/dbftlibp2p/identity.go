package dbftlibp2p

import (
	"crypto/ed25519"
	"fmt"

	"github.com/gordian-engine/dbft/gcrypto"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerID returns the libp2p peer ID of a validator,
// whose consensus key doubles as its network identity.
func PeerID(k gcrypto.PubKey) (peer.ID, error) {
	var pub crypto.PubKey
	var err error

	switch k.(type) {
	case gcrypto.Ed25519PubKey:
		pub, err = crypto.UnmarshalEd25519PublicKey(k.PubKeyBytes())
	case gcrypto.Secp256k1PubKey:
		pub, err = crypto.UnmarshalSecp256k1PublicKey(k.PubKeyBytes())
	default:
		return "", fmt.Errorf("unsupported key type %T", k)
	}
	if err != nil {
		return "", fmt.Errorf("failed to convert %s key: %w", k.TypeName(), err)
	}

	return peer.IDFromPublicKey(pub)
}

// Ed25519Identity converts a validator's ed25519 key
// into the private key for libp2p.Identity.
func Ed25519Identity(priv ed25519.PrivateKey) (crypto.PrivKey, error) {
	return crypto.UnmarshalEd25519PrivateKey(priv)
}
