// Package dbftengine contains the [Engine], which drives a validator
// through the dBFT protocol: proposing and preparing blocks,
// committing to them, changing view when the primary fails,
// and recovering state from peers after a restart.
//
// The Engine owns a single kernel goroutine holding the consensus context.
// Network envelopes, late transactions and ledger notifications
// are delivered to the kernel through the Engine's methods,
// which are safe to call concurrently.
// Outbound envelopes are sent through the [dbftp2p.Connection]
// given to [New], and finalized blocks are handed to the ledger.
package dbftengine
