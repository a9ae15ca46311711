package dbftconsensus

import "encoding/binary"

// Transaction is opaque to consensus apart from its identity,
// its size and the fees used for block limits and mempool ordering.
type Transaction struct {
	Nonce           uint32
	SystemFee       int64
	NetworkFee      int64
	ValidUntilBlock uint32

	Script []byte
}

// Bytes returns the canonical encoding of tx,
// which defines both its hash and its size.
func (tx Transaction) Bytes() []byte {
	b := make([]byte, 0, 4+8+8+4+4+len(tx.Script))
	b = binary.BigEndian.AppendUint32(b, tx.Nonce)
	b = binary.BigEndian.AppendUint64(b, uint64(tx.SystemFee))
	b = binary.BigEndian.AppendUint64(b, uint64(tx.NetworkFee))
	b = binary.BigEndian.AppendUint32(b, tx.ValidUntilBlock)
	b = binary.BigEndian.AppendUint32(b, uint32(len(tx.Script)))
	return append(b, tx.Script...)
}

func (tx Transaction) Hash() Hash {
	return Hash256(tx.Bytes())
}

func (tx Transaction) Size() int {
	return 4 + 8 + 8 + 4 + 4 + len(tx.Script)
}

// FeePerByte is the network fee divided by the size,
// the primary ordering key for block inclusion.
func (tx Transaction) FeePerByte() int64 {
	return tx.NetworkFee / int64(tx.Size())
}
