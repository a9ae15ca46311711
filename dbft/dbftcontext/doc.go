// Package dbftcontext contains [Context],
// the state of a single dBFT round at one block index.
//
// A Context is a plain state container.
// It is not safe for concurrent use;
// the engine kernel is its only owner.
package dbftcontext
