// Package dbftcodec defines how dBFT values are encoded
// for the network and for disk.
package dbftcodec

import "github.com/gordian-engine/dbft/dbft/dbftconsensus"

// MarshalCodec encodes and decodes dBFT values.
//
// Unmarshal errors for well-formed but invalid input
// wrap [dbftconsensus.ErrMalformed].
type MarshalCodec interface {
	MarshalMessage(dbftconsensus.Message) ([]byte, error)
	UnmarshalMessage([]byte, *dbftconsensus.Message) error

	MarshalEnvelope(dbftconsensus.Envelope) ([]byte, error)
	UnmarshalEnvelope([]byte, *dbftconsensus.Envelope) error

	MarshalTransaction(dbftconsensus.Transaction) ([]byte, error)
	UnmarshalTransaction([]byte, *dbftconsensus.Transaction) error

	MarshalBlock(dbftconsensus.Block) ([]byte, error)
	UnmarshalBlock([]byte, *dbftconsensus.Block) error

	MarshalRoundSnapshot(dbftconsensus.RoundSnapshot) ([]byte, error)
	UnmarshalRoundSnapshot([]byte, *dbftconsensus.RoundSnapshot) error
}
