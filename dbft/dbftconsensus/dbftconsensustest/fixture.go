// Package dbftconsensustest contains fixtures for testing dBFT components.
package dbftconsensustest

import (
	"context"
	"fmt"

	"github.com/gordian-engine/dbft/dbft/dbftcodec"
	"github.com/gordian-engine/dbft/dbft/dbftcodec/dbftcbor"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/gcrypto"
	"github.com/gordian-engine/dbft/gcrypto/gcryptotest"
	"github.com/gordian-engine/dbft/gmerkle"
)

// TestNetwork is the network magic used by fixtures.
const TestNetwork uint32 = 0x74_64_62_66

// GenesisTimestamp is the timestamp of the fixture genesis header,
// in milliseconds since the Unix epoch.
const GenesisTimestamp uint64 = 1_600_000_000_000

// Fixture is a deterministic validator set
// with helpers to build signed consensus payloads on its behalf.
//
// Fields may be overridden before the fixture is used.
type Fixture struct {
	Signers []gcrypto.Signer
	Keys    []gcrypto.PubKey

	Network uint32
	Codec   dbftcodec.MarshalCodec

	Genesis dbftconsensus.Header
}

// NewEd25519Fixture returns a Fixture with n deterministic ed25519 validators.
func NewEd25519Fixture(n int) *Fixture {
	signers := gcryptotest.DeterministicEd25519Signers(n)
	f := &Fixture{
		Signers: make([]gcrypto.Signer, n),
		Keys:    make([]gcrypto.PubKey, n),
	}
	for i, s := range signers {
		f.Signers[i] = s
		f.Keys[i] = s.PubKey()
	}
	f.init()
	return f
}

// NewSecp256k1Fixture is like [NewEd25519Fixture] with secp256k1 validators.
func NewSecp256k1Fixture(n int) *Fixture {
	signers := gcryptotest.DeterministicSecp256k1Signers(n)
	f := &Fixture{
		Signers: make([]gcrypto.Signer, n),
		Keys:    make([]gcrypto.PubKey, n),
	}
	for i, s := range signers {
		f.Signers[i] = s
		f.Keys[i] = s.PubKey()
	}
	f.init()
	return f
}

func (f *Fixture) init() {
	f.Network = TestNetwork
	f.Codec = dbftcbor.MarshalCodec{}
	f.Genesis = dbftconsensus.Header{
		Timestamp:     GenesisTimestamp,
		NextConsensus: dbftconsensus.ConsensusAddress(f.Keys),
	}
}

// NewLedger returns a fresh in-memory ledger holding only the fixture genesis.
func (f *Fixture) NewLedger() *Ledger {
	return NewLedger(f.Genesis, f.Keys)
}

// SignedPayload encodes msg and wraps it in an envelope
// signed by the validator at idx.
// The ValidatorIndex of msg is overwritten with idx.
func (f *Fixture) SignedPayload(ctx context.Context, idx int, msg dbftconsensus.Message) (*dbftconsensus.Payload, error) {
	msg.ValidatorIndex = uint8(idx)
	data, err := f.Codec.MarshalMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	key := f.Keys[idx]
	env := dbftconsensus.Envelope{
		Category:      dbftconsensus.Category,
		ValidBlockEnd: msg.BlockIndex,
		Sender:        dbftconsensus.ScriptAddress(key),
		Data:          data,
	}
	sig, err := f.Signers[idx].Sign(ctx, env.SignBytes(f.Network))
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}
	env.Witness = dbftconsensus.Witness{
		Invocation:   sig,
		Verification: dbftconsensus.VerificationScript(key),
	}

	return &dbftconsensus.Payload{Envelope: env, Message: msg}, nil
}

// PrepareRequest returns a prepare request message from the primary
// for the given height and view, building on prev.
func (f *Fixture) PrepareRequest(
	prev dbftconsensus.Header, view uint8, ts uint64, txs []dbftconsensus.Transaction,
) dbftconsensus.Message {
	hashes := make([]dbftconsensus.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}

	h := prev.Index + 1
	return dbftconsensus.Message{
		Type:           dbftconsensus.MessageTypePrepareRequest,
		BlockIndex:     h,
		ValidatorIndex: dbftconsensus.PrimaryIndex(h, view, len(f.Keys)),
		ViewNumber:     view,
		PrepareRequest: &dbftconsensus.PrepareRequest{
			Version:           prev.Version,
			PrevHash:          prev.Hash(),
			Timestamp:         ts,
			Nonce:             uint64(h)<<8 | uint64(view),
			TransactionHashes: hashes,
		},
	}
}

// CandidateHeader returns the header that validators commit to
// after accepting req.
func (f *Fixture) CandidateHeader(prev dbftconsensus.Header, req dbftconsensus.Message) dbftconsensus.Header {
	return dbftconsensus.Header{
		Version:       req.PrepareRequest.Version,
		PrevHash:      req.PrepareRequest.PrevHash,
		MerkleRoot:    gmerkle.Root(req.PrepareRequest.TransactionHashes),
		Timestamp:     req.PrepareRequest.Timestamp,
		Nonce:         req.PrepareRequest.Nonce,
		Index:         req.BlockIndex,
		PrimaryIndex:  req.ValidatorIndex,
		NextConsensus: dbftconsensus.ConsensusAddress(f.Keys),
	}
}

// SignedCommit returns a commit from the validator at idx over header.
func (f *Fixture) SignedCommit(
	ctx context.Context, idx int, view uint8, header dbftconsensus.Header,
) (*dbftconsensus.Payload, error) {
	sig, err := f.Signers[idx].Sign(ctx, dbftconsensus.CommitSignBytes(f.Network, header.Hash()))
	if err != nil {
		return nil, err
	}
	return f.SignedPayload(ctx, idx, dbftconsensus.Message{
		Type:       dbftconsensus.MessageTypeCommit,
		BlockIndex: header.Index,
		ViewNumber: view,
		Commit:     &dbftconsensus.Commit{Signature: sig},
	})
}
