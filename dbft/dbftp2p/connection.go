// Package dbftp2p defines the transport the dBFT engine uses
// to exchange envelopes with other validators.
package dbftp2p

import (
	"context"
	"errors"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/gcrypto"
)

// ErrPeerNotConnected is returned by [Connection.SendTo]
// when the destination cannot be reached.
var ErrPeerNotConnected = errors.New("peer not connected")

// Connection is the engine's view of the network.
type Connection interface {
	// Broadcast sends env to every other validator.
	// The local handler does not receive it.
	Broadcast(ctx context.Context, env dbftconsensus.Envelope) error

	// SendTo sends env only to the validator identified by to.
	SendTo(ctx context.Context, to gcrypto.PubKey, env dbftconsensus.Envelope) error

	// SetEnvelopeHandler sets the destination of inbound envelopes.
	// Envelopes arriving while no handler is set are dropped.
	SetEnvelopeHandler(dbftconsensus.EnvelopeHandler)

	// Disconnect closes the connection.
	// It is safe to call more than once.
	Disconnect()

	// Disconnected is closed once Disconnect has finished.
	Disconnected() <-chan struct{}
}
