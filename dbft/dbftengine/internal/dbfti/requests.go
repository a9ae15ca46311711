package dbfti

import (
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/gcrypto"
)

// EnvelopeRequest asks the kernel to verify and apply an inbound envelope.
type EnvelopeRequest struct {
	Envelope dbftconsensus.Envelope

	// Must be 1-buffered.
	Resp chan dbftconsensus.HandleEnvelopeResult
}

// StatusRequest asks the kernel for a copy of its current round status.
type StatusRequest struct {
	// Must be 1-buffered.
	Resp chan Status
}

// Status is a read-only summary of the engine's current round.
type Status struct {
	Height       uint32
	View         uint8
	PrimaryIndex uint8

	// -1 when watch-only.
	MyIndex int
	Role    string

	RequestSentOrReceived bool
	ResponseSent          bool
	CommitSent            bool
	ViewChanging          bool

	Preparations int
	Commits      int
	ChangeViews  int

	TransactionHashes int
	Transactions      int
}

// txArrival carries transactions fetched or verified off the kernel goroutine.
type txArrival struct {
	// Arrivals from an earlier round are discarded.
	gen uint64

	// Late arrivals came in through HandleTransaction
	// rather than the fetch started by a prepare request.
	late bool

	txs []verifiedTx
}

type verifiedTx struct {
	tx  dbftconsensus.Transaction
	err error
}

// outbound is an envelope waiting for the transport.
type outbound struct {
	env dbftconsensus.Envelope

	// Nil to broadcast.
	to gcrypto.PubKey
}
