package dbftcbor

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/fxamacker/cbor/v2"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
)

type wireEnvelope struct {
	_ struct{} `cbor:",toarray"`

	Category        string
	ValidBlockStart uint32
	ValidBlockEnd   uint32
	Sender          []byte
	Data            []byte
	Invocation      []byte
	Verification    []byte
}

func toWireEnvelope(e dbftconsensus.Envelope) wireEnvelope {
	return wireEnvelope{
		Category:        e.Category,
		ValidBlockStart: e.ValidBlockStart,
		ValidBlockEnd:   e.ValidBlockEnd,
		Sender:          e.Sender[:],
		Data:            e.Data,
		Invocation:      e.Witness.Invocation,
		Verification:    e.Witness.Verification,
	}
}

func (w wireEnvelope) toEnvelope() (dbftconsensus.Envelope, error) {
	e := dbftconsensus.Envelope{
		Category:        w.Category,
		ValidBlockStart: w.ValidBlockStart,
		ValidBlockEnd:   w.ValidBlockEnd,
		Data:            w.Data,
		Witness: dbftconsensus.Witness{
			Invocation:   w.Invocation,
			Verification: w.Verification,
		},
	}
	if err := fixedBytes(e.Sender[:], w.Sender, "sender"); err != nil {
		return dbftconsensus.Envelope{}, err
	}
	return e, nil
}

func toWireEnvelopes(es []dbftconsensus.Envelope) []wireEnvelope {
	if es == nil {
		return nil
	}
	out := make([]wireEnvelope, len(es))
	for i, e := range es {
		out[i] = toWireEnvelope(e)
	}
	return out
}

func fromWireEnvelopes(ws []wireEnvelope) ([]dbftconsensus.Envelope, error) {
	if ws == nil {
		return nil, nil
	}
	out := make([]dbftconsensus.Envelope, len(ws))
	for i, w := range ws {
		e, err := w.toEnvelope()
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// Slot slices keep their length, with nil entries for empty slots.
func toWireSlots(es []*dbftconsensus.Envelope) []*wireEnvelope {
	if es == nil {
		return nil
	}
	out := make([]*wireEnvelope, len(es))
	for i, e := range es {
		if e == nil {
			continue
		}
		w := toWireEnvelope(*e)
		out[i] = &w
	}
	return out
}

func fromWireSlots(ws []*wireEnvelope) ([]*dbftconsensus.Envelope, error) {
	if ws == nil {
		return nil, nil
	}
	out := make([]*dbftconsensus.Envelope, len(ws))
	for i, w := range ws {
		if w == nil {
			continue
		}
		e, err := w.toEnvelope()
		if err != nil {
			return nil, err
		}
		out[i] = &e
	}
	return out, nil
}

type wireMessage struct {
	_ struct{} `cbor:",toarray"`

	Type           uint8
	BlockIndex     uint32
	ValidatorIndex uint8
	ViewNumber     uint8

	Body cbor.RawMessage
}

type wireChangeView struct {
	_ struct{} `cbor:",toarray"`

	NewViewNumber uint8
	Timestamp     uint64
	Reason        uint8
}

type wirePrepareRequest struct {
	_ struct{} `cbor:",toarray"`

	Version           uint32
	PrevHash          []byte
	Timestamp         uint64
	Nonce             uint64
	TransactionHashes [][]byte
}

type wirePrepareResponse struct {
	_ struct{} `cbor:",toarray"`

	PreparationHash []byte
}

type wireCommit struct {
	_ struct{} `cbor:",toarray"`

	Signature []byte
}

type wireRecoveryRequest struct {
	_ struct{} `cbor:",toarray"`

	Timestamp uint64
}

type wireRecoveryMessage struct {
	_ struct{} `cbor:",toarray"`

	ChangeViews     []wireEnvelope
	PrepareRequest  *wireEnvelope
	PreparationHash []byte
	Preparations    []wireEnvelope
	Commits         []wireEnvelope
}

type wireTransaction struct {
	_ struct{} `cbor:",toarray"`

	Nonce           uint32
	SystemFee       int64
	NetworkFee      int64
	ValidUntilBlock uint32
	Script          []byte
}

func toWireTransactions(txs []dbftconsensus.Transaction) []wireTransaction {
	if txs == nil {
		return nil
	}
	out := make([]wireTransaction, len(txs))
	for i, tx := range txs {
		out[i] = wireTransaction{
			Nonce:           tx.Nonce,
			SystemFee:       tx.SystemFee,
			NetworkFee:      tx.NetworkFee,
			ValidUntilBlock: tx.ValidUntilBlock,
			Script:          tx.Script,
		}
	}
	return out
}

func fromWireTransactions(ws []wireTransaction) []dbftconsensus.Transaction {
	if ws == nil {
		return nil
	}
	out := make([]dbftconsensus.Transaction, len(ws))
	for i, w := range ws {
		out[i] = dbftconsensus.Transaction{
			Nonce:           w.Nonce,
			SystemFee:       w.SystemFee,
			NetworkFee:      w.NetworkFee,
			ValidUntilBlock: w.ValidUntilBlock,
			Script:          w.Script,
		}
	}
	return out
}

type wireHeader struct {
	_ struct{} `cbor:",toarray"`

	Version       uint32
	PrevHash      []byte
	MerkleRoot    []byte
	Timestamp     uint64
	Nonce         uint64
	Index         uint32
	PrimaryIndex  uint8
	NextConsensus []byte
}

func toWireHeader(h dbftconsensus.Header) wireHeader {
	return wireHeader{
		Version:       h.Version,
		PrevHash:      h.PrevHash[:],
		MerkleRoot:    h.MerkleRoot[:],
		Timestamp:     h.Timestamp,
		Nonce:         h.Nonce,
		Index:         h.Index,
		PrimaryIndex:  h.PrimaryIndex,
		NextConsensus: h.NextConsensus[:],
	}
}

func (w wireHeader) toHeader() (dbftconsensus.Header, error) {
	h := dbftconsensus.Header{
		Version:      w.Version,
		Timestamp:    w.Timestamp,
		Nonce:        w.Nonce,
		Index:        w.Index,
		PrimaryIndex: w.PrimaryIndex,
	}
	if err := fixedBytes(h.PrevHash[:], w.PrevHash, "prev hash"); err != nil {
		return h, err
	}
	if err := fixedBytes(h.MerkleRoot[:], w.MerkleRoot, "merkle root"); err != nil {
		return h, err
	}
	if err := fixedBytes(h.NextConsensus[:], w.NextConsensus, "next consensus"); err != nil {
		return h, err
	}
	return h, nil
}

type wireBlock struct {
	_ struct{} `cbor:",toarray"`

	Header       wireHeader
	Transactions []wireTransaction
	Signers      []uint64
	NumSigners   uint
	Signatures   [][]byte
}

type wireRoundSnapshot struct {
	_ struct{} `cbor:",toarray"`

	Version       uint32
	BlockIndex    uint32
	Timestamp     uint64
	Nonce         uint64
	PrimaryIndex  uint8
	NextConsensus []byte
	ViewNumber    uint8

	TransactionHashes [][]byte
	Transactions      []wireTransaction

	Preparations    []*wireEnvelope
	Commits         []*wireEnvelope
	ChangeViews     []*wireEnvelope
	LastChangeViews []*wireEnvelope
}

func hashesToWire(hs []dbftconsensus.Hash) [][]byte {
	if hs == nil {
		return nil
	}
	out := make([][]byte, len(hs))
	for i := range hs {
		out[i] = hs[i][:]
	}
	return out
}

func hashesFromWire(bs [][]byte) ([]dbftconsensus.Hash, error) {
	if bs == nil {
		return nil, nil
	}
	out := make([]dbftconsensus.Hash, len(bs))
	for i, b := range bs {
		if err := fixedBytes(out[i][:], b, "hash"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// fixedBytes copies src into dst, requiring equal lengths.
func fixedBytes(dst, src []byte, what string) error {
	if len(src) != len(dst) {
		return fmt.Errorf(
			"%w: %s must be %d bytes (got %d)",
			dbftconsensus.ErrMalformed, what, len(dst), len(src),
		)
	}
	copy(dst, src)
	return nil
}

func bitsetWords(bs *bitset.BitSet) ([]uint64, uint) {
	if bs == nil {
		return nil, 0
	}
	return bs.Bytes(), bs.Len()
}
