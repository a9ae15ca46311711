// Package dbftcbor implements [dbftcodec.MarshalCodec] with CBOR.
//
// Every value is encoded as a CBOR array of its fields,
// using canonical encoding so that equal values always produce equal bytes.
// The wire types are private to this package;
// the consensus types carry no encoding tags.
package dbftcbor
