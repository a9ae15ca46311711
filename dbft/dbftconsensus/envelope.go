package dbftconsensus

import "encoding/binary"

// Category is the only envelope category delivered to the consensus engine.
const Category = "dBFT"

// Envelope is the signed wire record carrying one encoded [Message].
type Envelope struct {
	Category string

	// The envelope is only relayed or accepted while the ledger height h
	// satisfies ValidBlockStart <= h < ValidBlockEnd.
	ValidBlockStart uint32
	ValidBlockEnd   uint32

	Sender Address

	// Data is the encoded Message.
	Data []byte

	Witness Witness
}

// Witness proves Sender authored the envelope.
type Witness struct {
	// Invocation is the signature over [Envelope.SignBytes].
	Invocation []byte

	// Verification is the script for the signing key;
	// its Hash160 must equal the envelope sender.
	Verification []byte
}

// unsignedData is the portion of the envelope covered by its hash.
func (e Envelope) unsignedData() []byte {
	b := make([]byte, 0, 1+len(e.Category)+4+4+len(e.Sender)+4+len(e.Data))
	b = append(b, byte(len(e.Category)))
	b = append(b, e.Category...)
	b = binary.BigEndian.AppendUint32(b, e.ValidBlockStart)
	b = binary.BigEndian.AppendUint32(b, e.ValidBlockEnd)
	b = append(b, e.Sender[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(e.Data)))
	return append(b, e.Data...)
}

// Hash identifies the envelope independent of its witness.
func (e Envelope) Hash() Hash {
	return Hash256(e.unsignedData())
}

// SignBytes returns the network magic followed by the envelope hash,
// which is what the witness signature covers.
func (e Envelope) SignBytes(network uint32) []byte {
	h := e.Hash()
	b := make([]byte, 0, 4+len(h))
	b = binary.BigEndian.AppendUint32(b, network)
	return append(b, h[:]...)
}

// InWindow reports whether an envelope may be accepted
// at the given ledger height.
func (e Envelope) InWindow(ledgerHeight uint32) bool {
	return e.ValidBlockStart <= ledgerHeight && ledgerHeight < e.ValidBlockEnd
}

// Payload pairs a verified envelope with its decoded message.
// Context slots hold *Payload values.
type Payload struct {
	Envelope Envelope
	Message  Message
}
