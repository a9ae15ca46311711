package dbftconsensus

// MaxFaulty returns f, the number of faulty validators
// a set of n validators tolerates.
func MaxFaulty(n int) int {
	return (n - 1) / 3
}

// Quorum returns M = n - f, the number of matching messages
// required to commit a block or to move to a new view.
//
// Any two quorums among n = 3f+1 validators
// intersect in at least one honest validator.
func Quorum(n int) int {
	return n - MaxFaulty(n)
}

// PrimaryIndex returns the index of the validator
// that proposes the block at blockIndex during the given view:
// (blockIndex - view) mod n, normalised to be non-negative.
//
// PrimaryIndex panics if n is not positive.
func PrimaryIndex(blockIndex uint32, view uint8, n int) uint8 {
	if n <= 0 {
		panic("BUG: PrimaryIndex called with empty validator set")
	}

	p := (int64(blockIndex) - int64(view)) % int64(n)
	if p < 0 {
		p += int64(n)
	}
	return uint8(p)
}
