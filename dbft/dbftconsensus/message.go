package dbftconsensus

import "fmt"

// MessageType identifies the body of a [Message].
// Values match the byte used on the wire.
type MessageType uint8

//go:generate go run golang.org/x/tools/cmd/stringer -type MessageType -trimprefix=MessageType .

const (
	MessageTypeChangeView      MessageType = 0x00
	MessageTypePrepareRequest  MessageType = 0x20
	MessageTypePrepareResponse MessageType = 0x21
	MessageTypeCommit          MessageType = 0x30
	MessageTypeRecoveryRequest MessageType = 0x40
	MessageTypeRecoveryMessage MessageType = 0x41
)

// ChangeViewReason explains why a validator asked to leave the current view.
type ChangeViewReason uint8

//go:generate go run golang.org/x/tools/cmd/stringer -type ChangeViewReason -trimprefix=Reason .

const (
	ReasonTimeout ChangeViewReason = iota
	ReasonChangeAgreement
	ReasonTxNotFound
	ReasonTxRejectedByPolicy
	ReasonTxInvalid
	ReasonBlockRejectedByPolicy
)

// CommitSignatureSize is the fixed length of a Commit signature.
const CommitSignatureSize = 64

// Message is the decoded content of an [Envelope].
//
// Every message carries the common header fields,
// and exactly one of the body pointers, matching Type, is set.
type Message struct {
	Type           MessageType
	BlockIndex     uint32
	ValidatorIndex uint8
	ViewNumber     uint8

	ChangeView      *ChangeView
	PrepareRequest  *PrepareRequest
	PrepareResponse *PrepareResponse
	Commit          *Commit
	RecoveryRequest *RecoveryRequest
	RecoveryMessage *RecoveryMessage
}

type ChangeView struct {
	NewViewNumber uint8

	// Milliseconds since the Unix epoch.
	// Distinguishes repeated requests for the same view after a restart.
	Timestamp uint64

	Reason ChangeViewReason
}

type PrepareRequest struct {
	Version   uint32
	PrevHash  Hash
	Timestamp uint64
	Nonce     uint64

	TransactionHashes []Hash
}

type PrepareResponse struct {
	// Hash of the primary's PrepareRequest envelope.
	PreparationHash Hash
}

type Commit struct {
	Signature []byte
}

type RecoveryRequest struct {
	Timestamp uint64
}

// RecoveryMessage bundles the envelopes a lagging validator needs
// to catch up with the sender.
// Each embedded envelope is verified on its own by the receiver.
type RecoveryMessage struct {
	ChangeViews []Envelope

	PrepareRequest *Envelope

	// Set only when PrepareRequest is nil,
	// to the preparation hash most responses agree on.
	PreparationHash *Hash

	Preparations []Envelope
	Commits      []Envelope
}

// Validate checks the structure of m without any context about the round.
// It returns an error wrapping [ErrMalformed].
func (m Message) Validate() error {
	bodies := 0
	for _, set := range []bool{
		m.ChangeView != nil,
		m.PrepareRequest != nil,
		m.PrepareResponse != nil,
		m.Commit != nil,
		m.RecoveryRequest != nil,
		m.RecoveryMessage != nil,
	} {
		if set {
			bodies++
		}
	}
	if bodies != 1 {
		return fmt.Errorf("%w: message has %d bodies", ErrMalformed, bodies)
	}

	switch m.Type {
	case MessageTypeChangeView:
		if m.ChangeView == nil {
			return fmt.Errorf("%w: missing ChangeView body", ErrMalformed)
		}
		if m.ChangeView.NewViewNumber <= m.ViewNumber {
			return fmt.Errorf(
				"%w: change view to %d from view %d",
				ErrMalformed, m.ChangeView.NewViewNumber, m.ViewNumber,
			)
		}
		if m.ChangeView.Reason > ReasonBlockRejectedByPolicy {
			return fmt.Errorf("%w: unknown change view reason %d", ErrMalformed, m.ChangeView.Reason)
		}

	case MessageTypePrepareRequest:
		if m.PrepareRequest == nil {
			return fmt.Errorf("%w: missing PrepareRequest body", ErrMalformed)
		}
		seen := make(map[Hash]struct{}, len(m.PrepareRequest.TransactionHashes))
		for _, h := range m.PrepareRequest.TransactionHashes {
			if _, dup := seen[h]; dup {
				return fmt.Errorf("%w: duplicate transaction hash %s", ErrMalformed, h)
			}
			seen[h] = struct{}{}
		}

	case MessageTypePrepareResponse:
		if m.PrepareResponse == nil {
			return fmt.Errorf("%w: missing PrepareResponse body", ErrMalformed)
		}

	case MessageTypeCommit:
		if m.Commit == nil {
			return fmt.Errorf("%w: missing Commit body", ErrMalformed)
		}
		if len(m.Commit.Signature) != CommitSignatureSize {
			return fmt.Errorf(
				"%w: commit signature length %d", ErrMalformed, len(m.Commit.Signature),
			)
		}

	case MessageTypeRecoveryRequest:
		if m.RecoveryRequest == nil {
			return fmt.Errorf("%w: missing RecoveryRequest body", ErrMalformed)
		}

	case MessageTypeRecoveryMessage:
		if m.RecoveryMessage == nil {
			return fmt.Errorf("%w: missing RecoveryMessage body", ErrMalformed)
		}
		if m.RecoveryMessage.PrepareRequest != nil && m.RecoveryMessage.PreparationHash != nil {
			return fmt.Errorf(
				"%w: recovery message has both prepare request and preparation hash", ErrMalformed,
			)
		}

	default:
		return fmt.Errorf("%w: unknown message type %d", ErrMalformed, m.Type)
	}

	return nil
}
