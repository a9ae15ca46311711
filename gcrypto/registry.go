package gcrypto

import (
	"bytes"
	"fmt"
)

// prefixLen is the fixed width of the type name prefix
// written by [*Registry.Marshal].
const prefixLen = 8

// NewPubKeyFunc decodes the output of PubKey.PubKeyBytes.
type NewPubKeyFunc func([]byte) (PubKey, error)

// Registry maps public key type names to their decoders,
// so that keys of mixed types may be transmitted and stored
// without the reader knowing the type in advance.
//
// There is no global registry.
// Callers create a Registry and register the key types they support.
// The zero value is ready to use.
type Registry struct {
	ctors map[string]NewPubKeyFunc
}

// Register associates name with ctor.
// The name must be at most 8 bytes and must match
// the TypeName reported by keys of that type.
//
// Register panics if the name is too long or already registered.
func (r *Registry) Register(name string, ctor NewPubKeyFunc) {
	if len(name) > prefixLen {
		panic(fmt.Errorf("BUG: public key type name %q longer than %d bytes", name, prefixLen))
	}
	if r.ctors == nil {
		r.ctors = make(map[string]NewPubKeyFunc)
	}
	if _, ok := r.ctors[name]; ok {
		panic(fmt.Errorf("BUG: public key type %q registered twice", name))
	}
	r.ctors[name] = ctor
}

// Marshal returns the type-prefixed encoding of k.
func (r *Registry) Marshal(k PubKey) []byte {
	name := k.TypeName()
	if _, ok := r.ctors[name]; !ok {
		panic(fmt.Errorf("BUG: marshaling unregistered public key type %q", name))
	}

	return MarshalPubKey(k)
}

// MarshalPubKey returns the same type-prefixed encoding as [*Registry.Marshal]
// without checking that the key type is registered.
// It is used where the encoding only needs to be compared or hashed.
func MarshalPubKey(k PubKey) []byte {
	kb := k.PubKeyBytes()
	out := make([]byte, prefixLen, prefixLen+len(kb))
	copy(out, k.TypeName())
	return append(out, kb...)
}

// Unmarshal decodes a value previously produced by Marshal.
func (r *Registry) Unmarshal(b []byte) (PubKey, error) {
	if len(b) < prefixLen {
		return nil, fmt.Errorf("public key encoding too short (%d bytes)", len(b))
	}

	name := string(bytes.TrimRight(b[:prefixLen], "\x00"))
	ctor, ok := r.ctors[name]
	if !ok {
		return nil, fmt.Errorf("no registered public key type for prefix %q", name)
	}

	return ctor(b[prefixLen:])
}
