package dbftconsensus

import (
	"context"

	"github.com/gordian-engine/dbft/gcrypto"
)

// Ledger is the chain the engine extends.
type Ledger interface {
	// CurrentHeight is the index of the latest persisted block.
	CurrentHeight(ctx context.Context) (uint32, error)

	// HeaderAt returns the header of the persisted block at index.
	HeaderAt(ctx context.Context, index uint32) (Header, error)

	// ValidatorsFor returns the ordered validator keys
	// responsible for producing the block at index.
	// Validator indices in messages refer to positions in this slice.
	ValidatorsFor(ctx context.Context, index uint32) ([]gcrypto.PubKey, error)

	// Persist appends b to the chain.
	// It is the single synchronous hand-off of a finalized block.
	Persist(ctx context.Context, b Block) error
}

// Mempool holds transactions waiting for inclusion.
type Mempool interface {
	// Candidates returns up to max verified transactions,
	// in the order the primary should include them.
	Candidates(ctx context.Context, max int) []Transaction

	// Get returns the transaction with hash h if it is pooled.
	Get(ctx context.Context, h Hash) (Transaction, bool)

	// Verify checks tx independently of the pool.
	// A policy failure wraps [ErrTxPolicy];
	// any other failure should wrap [ErrTxInvalid].
	Verify(ctx context.Context, tx Transaction) error
}

// EnvelopeHandler accepts envelopes from the network.
// The engine implements it, and transports deliver to it.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env Envelope) HandleEnvelopeResult
}

// HandleEnvelopeResult is the outcome of [EnvelopeHandler.HandleEnvelope].
// Transports may use it to decide whether to keep relaying an envelope.
type HandleEnvelopeResult uint8

//go:generate go run golang.org/x/tools/cmd/stringer -type HandleEnvelopeResult -trimprefix=HandleEnvelope .

const (
	// Zero value is reserved so an unset result is detectable.
	_ HandleEnvelopeResult = iota

	// The envelope was valid and processed.
	HandleEnvelopeAccepted

	// The envelope was valid but had no effect,
	// such as a duplicate or a message for another view.
	HandleEnvelopeIgnored

	HandleEnvelopeStale
	HandleEnvelopeFuture
	HandleEnvelopeBadSignature
	HandleEnvelopeMalformed
	HandleEnvelopeUnknownSender

	// The engine could not evaluate the envelope,
	// most likely because it is shutting down.
	HandleEnvelopeInternalError
)
