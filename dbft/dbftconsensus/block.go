package dbftconsensus

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bitset"
)

// HeaderSize is the length of the encoding returned by [Header.SignData].
const HeaderSize = 4 + 32 + 32 + 8 + 8 + 4 + 1 + 20

// Header is the part of a block that validators sign in their Commit messages.
type Header struct {
	Version    uint32
	PrevHash   Hash
	MerkleRoot Hash

	// Milliseconds since the Unix epoch.
	Timestamp uint64
	Nonce     uint64

	Index        uint32
	PrimaryIndex uint8

	// Address of the multi-signature contract
	// for the validators of the following block.
	NextConsensus Address
}

// SignData returns the fixed-width big endian encoding of h,
// which is the preimage of [Header.Hash].
func (h Header) SignData() []byte {
	b := make([]byte, 0, HeaderSize)
	b = binary.BigEndian.AppendUint32(b, h.Version)
	b = append(b, h.PrevHash[:]...)
	b = append(b, h.MerkleRoot[:]...)
	b = binary.BigEndian.AppendUint64(b, h.Timestamp)
	b = binary.BigEndian.AppendUint64(b, h.Nonce)
	b = binary.BigEndian.AppendUint32(b, h.Index)
	b = append(b, h.PrimaryIndex)
	b = append(b, h.NextConsensus[:]...)
	return b
}

func (h Header) Hash() Hash {
	return Hash256(h.SignData())
}

// CommitSignBytes returns the bytes a validator signs
// to commit to the header with the given hash on the given network.
func CommitSignBytes(network uint32, headerHash Hash) []byte {
	b := make([]byte, 0, 4+len(headerHash))
	b = binary.BigEndian.AppendUint32(b, network)
	return append(b, headerHash[:]...)
}

// Block is a finalized header, its transactions,
// and the commit signatures proving a quorum agreed on it.
type Block struct {
	Header       Header
	Transactions []Transaction
	Witness      BlockWitness
}

func (b Block) Hash() Hash {
	return b.Header.Hash()
}

// BlockWitness holds one commit signature per set bit in Signers,
// ordered by validator index.
type BlockWitness struct {
	Signers    *bitset.BitSet
	Signatures [][]byte
}

// WitnessSize is the expected encoded size of a [BlockWitness]
// for a validator set of size n.
func WitnessSize(n int) int {
	words := (n + 63) / 64
	return 8*words + Quorum(n)*64
}

// BlockLimits bound what a primary may propose
// and what a backup will accept.
// A zero field means no limit.
type BlockLimits struct {
	MaxTransactionsPerBlock int
	MaxBlockSize            int
	MaxBlockSystemFee       int64
}

// ExpectedBlockSize returns the size of a block holding txs,
// finalized by a validator set of size n.
func ExpectedBlockSize(n int, txs []Transaction) int {
	size := HeaderSize + WitnessSize(n) + 4
	for _, tx := range txs {
		size += tx.Size()
	}
	return size
}

// ExpectedBlockSystemFee is the sum of the system fees of txs.
func ExpectedBlockSystemFee(txs []Transaction) int64 {
	var fee int64
	for _, tx := range txs {
		fee += tx.SystemFee
	}
	return fee
}
