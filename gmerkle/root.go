package gmerkle

import "crypto/sha256"

// Root returns the Merkle root of leaves.
// The root of zero leaves is the zero hash,
// and the root of a single leaf is that leaf.
//
// The leaves slice is not modified.
func Root[H ~[32]byte](leaves []H) H {
	switch len(leaves) {
	case 0:
		var zero H
		return zero
	case 1:
		return leaves[0]
	}

	level := make([]H, len(leaves))
	copy(level, leaves)

	var buf [64]byte
	for len(level) > 1 {
		next := level[:0:len(level)]
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}

			copy(buf[:32], left[:])
			copy(buf[32:], right[:])
			first := sha256.Sum256(buf[:])
			next = append(next, H(sha256.Sum256(first[:])))
		}
		level = next
	}

	return level[0]
}
