// Package dbftconsensus contains the core types of the dBFT protocol:
// hashes and addresses, quorum arithmetic, blocks and transactions,
// the signed [Envelope] wire record and the [Message] bodies it carries,
// and the [Ledger] and [Mempool] collaborators the engine consumes.
//
// Types in this package are plain data.
// Encoding for the network and for disk lives in
// [github.com/gordian-engine/dbft/dbft/dbftcodec].
package dbftconsensus
