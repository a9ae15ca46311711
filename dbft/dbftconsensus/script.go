package dbftconsensus

import (
	"encoding/binary"

	"github.com/gordian-engine/dbft/gcrypto"
)

// VerificationScript returns the script identifying a single validator key.
// It is carried in every envelope witness,
// and its [Hash160] is the envelope sender.
func VerificationScript(k gcrypto.PubKey) []byte {
	return gcrypto.MarshalPubKey(k)
}

// ScriptAddress returns the sender address for a single validator key.
func ScriptAddress(k gcrypto.PubKey) Address {
	return Hash160(VerificationScript(k))
}

// MultiSigScript returns the script for an m-of-len(keys) signature contract.
func MultiSigScript(m int, keys []gcrypto.PubKey) []byte {
	b := []byte{byte(m)}
	for _, k := range keys {
		s := VerificationScript(k)
		b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
		b = append(b, s...)
	}
	return append(b, byte(len(keys)))
}

// ConsensusAddress returns the address of the quorum contract for keys,
// which is what a header stores in NextConsensus.
func ConsensusAddress(keys []gcrypto.PubKey) Address {
	return Hash160(MultiSigScript(Quorum(len(keys)), keys))
}
