package dbftcbor

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/fxamacker/cbor/v2"
	"github.com/gordian-engine/dbft/dbft/dbftcodec"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("BUG: building CBOR encoding mode: %w", err))
	}

	decMode, err = cbor.DecOptions{
		// Envelopes come from untrusted peers.
		MaxArrayElements: 1 << 16,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic(fmt.Errorf("BUG: building CBOR decoding mode: %w", err))
	}
}

// MarshalCodec is the CBOR [dbftcodec.MarshalCodec].
// The zero value is ready to use.
type MarshalCodec struct{}

var _ dbftcodec.MarshalCodec = MarshalCodec{}

func unmarshal(b []byte, v any, what string) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", dbftconsensus.ErrMalformed, what, err)
	}
	return nil
}

func (MarshalCodec) MarshalMessage(m dbftconsensus.Message) ([]byte, error) {
	var body any
	switch m.Type {
	case dbftconsensus.MessageTypeChangeView:
		if m.ChangeView == nil {
			return nil, fmt.Errorf("cannot marshal %s message without body", m.Type)
		}
		body = wireChangeView{
			NewViewNumber: m.ChangeView.NewViewNumber,
			Timestamp:     m.ChangeView.Timestamp,
			Reason:        uint8(m.ChangeView.Reason),
		}
	case dbftconsensus.MessageTypePrepareRequest:
		if m.PrepareRequest == nil {
			return nil, fmt.Errorf("cannot marshal %s message without body", m.Type)
		}
		r := m.PrepareRequest
		body = wirePrepareRequest{
			Version:           r.Version,
			PrevHash:          r.PrevHash[:],
			Timestamp:         r.Timestamp,
			Nonce:             r.Nonce,
			TransactionHashes: hashesToWire(r.TransactionHashes),
		}
	case dbftconsensus.MessageTypePrepareResponse:
		if m.PrepareResponse == nil {
			return nil, fmt.Errorf("cannot marshal %s message without body", m.Type)
		}
		body = wirePrepareResponse{PreparationHash: m.PrepareResponse.PreparationHash[:]}
	case dbftconsensus.MessageTypeCommit:
		if m.Commit == nil {
			return nil, fmt.Errorf("cannot marshal %s message without body", m.Type)
		}
		body = wireCommit{Signature: m.Commit.Signature}
	case dbftconsensus.MessageTypeRecoveryRequest:
		if m.RecoveryRequest == nil {
			return nil, fmt.Errorf("cannot marshal %s message without body", m.Type)
		}
		body = wireRecoveryRequest{Timestamp: m.RecoveryRequest.Timestamp}
	case dbftconsensus.MessageTypeRecoveryMessage:
		if m.RecoveryMessage == nil {
			return nil, fmt.Errorf("cannot marshal %s message without body", m.Type)
		}
		r := m.RecoveryMessage
		w := wireRecoveryMessage{
			ChangeViews:  toWireEnvelopes(r.ChangeViews),
			Preparations: toWireEnvelopes(r.Preparations),
			Commits:      toWireEnvelopes(r.Commits),
		}
		if r.PrepareRequest != nil {
			pr := toWireEnvelope(*r.PrepareRequest)
			w.PrepareRequest = &pr
		}
		if r.PreparationHash != nil {
			w.PreparationHash = r.PreparationHash[:]
		}
		body = w
	default:
		return nil, fmt.Errorf("cannot marshal unknown message type %s", m.Type)
	}

	bodyBytes, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", m.Type, err)
	}

	return encMode.Marshal(wireMessage{
		Type:           uint8(m.Type),
		BlockIndex:     m.BlockIndex,
		ValidatorIndex: m.ValidatorIndex,
		ViewNumber:     m.ViewNumber,
		Body:           bodyBytes,
	})
}

func (MarshalCodec) UnmarshalMessage(b []byte, m *dbftconsensus.Message) error {
	var w wireMessage
	if err := unmarshal(b, &w, "message"); err != nil {
		return err
	}

	*m = dbftconsensus.Message{
		Type:           dbftconsensus.MessageType(w.Type),
		BlockIndex:     w.BlockIndex,
		ValidatorIndex: w.ValidatorIndex,
		ViewNumber:     w.ViewNumber,
	}

	switch m.Type {
	case dbftconsensus.MessageTypeChangeView:
		var cv wireChangeView
		if err := unmarshal(w.Body, &cv, "change view"); err != nil {
			return err
		}
		m.ChangeView = &dbftconsensus.ChangeView{
			NewViewNumber: cv.NewViewNumber,
			Timestamp:     cv.Timestamp,
			Reason:        dbftconsensus.ChangeViewReason(cv.Reason),
		}

	case dbftconsensus.MessageTypePrepareRequest:
		var pr wirePrepareRequest
		if err := unmarshal(w.Body, &pr, "prepare request"); err != nil {
			return err
		}
		hashes, err := hashesFromWire(pr.TransactionHashes)
		if err != nil {
			return err
		}
		if hashes == nil {
			// A request always carries a list, even if it is empty.
			hashes = []dbftconsensus.Hash{}
		}
		m.PrepareRequest = &dbftconsensus.PrepareRequest{
			Version:           pr.Version,
			Timestamp:         pr.Timestamp,
			Nonce:             pr.Nonce,
			TransactionHashes: hashes,
		}
		if err := fixedBytes(m.PrepareRequest.PrevHash[:], pr.PrevHash, "prev hash"); err != nil {
			return err
		}

	case dbftconsensus.MessageTypePrepareResponse:
		var pr wirePrepareResponse
		if err := unmarshal(w.Body, &pr, "prepare response"); err != nil {
			return err
		}
		m.PrepareResponse = new(dbftconsensus.PrepareResponse)
		if err := fixedBytes(m.PrepareResponse.PreparationHash[:], pr.PreparationHash, "preparation hash"); err != nil {
			return err
		}

	case dbftconsensus.MessageTypeCommit:
		var c wireCommit
		if err := unmarshal(w.Body, &c, "commit"); err != nil {
			return err
		}
		m.Commit = &dbftconsensus.Commit{Signature: c.Signature}

	case dbftconsensus.MessageTypeRecoveryRequest:
		var rr wireRecoveryRequest
		if err := unmarshal(w.Body, &rr, "recovery request"); err != nil {
			return err
		}
		m.RecoveryRequest = &dbftconsensus.RecoveryRequest{Timestamp: rr.Timestamp}

	case dbftconsensus.MessageTypeRecoveryMessage:
		var rm wireRecoveryMessage
		if err := unmarshal(w.Body, &rm, "recovery message"); err != nil {
			return err
		}
		out := new(dbftconsensus.RecoveryMessage)
		var err error
		if out.ChangeViews, err = fromWireEnvelopes(rm.ChangeViews); err != nil {
			return err
		}
		if out.Preparations, err = fromWireEnvelopes(rm.Preparations); err != nil {
			return err
		}
		if out.Commits, err = fromWireEnvelopes(rm.Commits); err != nil {
			return err
		}
		if rm.PrepareRequest != nil {
			e, err := rm.PrepareRequest.toEnvelope()
			if err != nil {
				return err
			}
			out.PrepareRequest = &e
		}
		if rm.PreparationHash != nil {
			out.PreparationHash = new(dbftconsensus.Hash)
			if err := fixedBytes(out.PreparationHash[:], rm.PreparationHash, "preparation hash"); err != nil {
				return err
			}
		}
		m.RecoveryMessage = out

	default:
		return fmt.Errorf("%w: unknown message type %d", dbftconsensus.ErrMalformed, w.Type)
	}

	return nil
}

func (MarshalCodec) MarshalEnvelope(e dbftconsensus.Envelope) ([]byte, error) {
	return encMode.Marshal(toWireEnvelope(e))
}

func (MarshalCodec) UnmarshalEnvelope(b []byte, e *dbftconsensus.Envelope) error {
	var w wireEnvelope
	if err := unmarshal(b, &w, "envelope"); err != nil {
		return err
	}
	out, err := w.toEnvelope()
	if err != nil {
		return err
	}
	*e = out
	return nil
}

func (MarshalCodec) MarshalTransaction(tx dbftconsensus.Transaction) ([]byte, error) {
	return encMode.Marshal(toWireTransactions([]dbftconsensus.Transaction{tx})[0])
}

func (MarshalCodec) UnmarshalTransaction(b []byte, tx *dbftconsensus.Transaction) error {
	var w wireTransaction
	if err := unmarshal(b, &w, "transaction"); err != nil {
		return err
	}
	*tx = fromWireTransactions([]wireTransaction{w})[0]
	return nil
}

func (MarshalCodec) MarshalBlock(b dbftconsensus.Block) ([]byte, error) {
	words, n := bitsetWords(b.Witness.Signers)
	return encMode.Marshal(wireBlock{
		Header:       toWireHeader(b.Header),
		Transactions: toWireTransactions(b.Transactions),
		Signers:      words,
		NumSigners:   n,
		Signatures:   b.Witness.Signatures,
	})
}

func (MarshalCodec) UnmarshalBlock(data []byte, b *dbftconsensus.Block) error {
	var w wireBlock
	if err := unmarshal(data, &w, "block"); err != nil {
		return err
	}

	h, err := w.Header.toHeader()
	if err != nil {
		return err
	}

	out := dbftconsensus.Block{
		Header:       h,
		Transactions: fromWireTransactions(w.Transactions),
		Witness: dbftconsensus.BlockWitness{
			Signatures: w.Signatures,
		},
	}
	if w.Signers != nil {
		signers := bitset.New(w.NumSigners)
		for i := uint(0); i < w.NumSigners; i++ {
			word := i / 64
			if int(word) < len(w.Signers) && w.Signers[word]&(1<<(i%64)) != 0 {
				signers.Set(i)
			}
		}
		out.Witness.Signers = signers
	}

	*b = out
	return nil
}

func (MarshalCodec) MarshalRoundSnapshot(s dbftconsensus.RoundSnapshot) ([]byte, error) {
	return encMode.Marshal(wireRoundSnapshot{
		Version:       s.Version,
		BlockIndex:    s.BlockIndex,
		Timestamp:     s.Timestamp,
		Nonce:         s.Nonce,
		PrimaryIndex:  s.PrimaryIndex,
		NextConsensus: s.NextConsensus[:],
		ViewNumber:    s.ViewNumber,

		TransactionHashes: hashesToWire(s.TransactionHashes),
		Transactions:      toWireTransactions(s.Transactions),

		Preparations:    toWireSlots(s.Preparations),
		Commits:         toWireSlots(s.Commits),
		ChangeViews:     toWireSlots(s.ChangeViews),
		LastChangeViews: toWireSlots(s.LastChangeViews),
	})
}

func (MarshalCodec) UnmarshalRoundSnapshot(b []byte, s *dbftconsensus.RoundSnapshot) error {
	var w wireRoundSnapshot
	if err := unmarshal(b, &w, "round snapshot"); err != nil {
		return err
	}

	out := dbftconsensus.RoundSnapshot{
		Version:      w.Version,
		BlockIndex:   w.BlockIndex,
		Timestamp:    w.Timestamp,
		Nonce:        w.Nonce,
		PrimaryIndex: w.PrimaryIndex,
		ViewNumber:   w.ViewNumber,
		Transactions: fromWireTransactions(w.Transactions),
	}
	if err := fixedBytes(out.NextConsensus[:], w.NextConsensus, "next consensus"); err != nil {
		return err
	}

	var err error
	if out.TransactionHashes, err = hashesFromWire(w.TransactionHashes); err != nil {
		return err
	}
	if out.Preparations, err = fromWireSlots(w.Preparations); err != nil {
		return err
	}
	if out.Commits, err = fromWireSlots(w.Commits); err != nil {
		return err
	}
	if out.ChangeViews, err = fromWireSlots(w.ChangeViews); err != nil {
		return err
	}
	if out.LastChangeViews, err = fromWireSlots(w.LastChangeViews); err != nil {
		return err
	}

	*s = out
	return nil
}
