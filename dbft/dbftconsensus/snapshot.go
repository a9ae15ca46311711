package dbftconsensus

// RoundSnapshot is the durable state of an unfinished round.
// It is saved right before a validator broadcasts its commit,
// so that a restart never produces a second, different commit.
//
// Slot slices are indexed by validator and hold nil for empty slots.
type RoundSnapshot struct {
	Version       uint32
	BlockIndex    uint32
	Timestamp     uint64
	Nonce         uint64
	PrimaryIndex  uint8
	NextConsensus Address

	ViewNumber uint8

	// Nil when no prepare request was sent or received.
	TransactionHashes []Hash
	Transactions      []Transaction

	Preparations    []*Envelope
	Commits         []*Envelope
	ChangeViews     []*Envelope
	LastChangeViews []*Envelope
}
