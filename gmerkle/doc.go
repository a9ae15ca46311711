// Package gmerkle computes Merkle roots over fixed-size hashes.
//
// Interior nodes are the double SHA-256 of the concatenated children,
// and a level with an odd number of nodes pairs its last node with itself.
// This is the tree used for a block header's transaction root.
package gmerkle
