// Package registry persists small records, such as voucher sets and
// blacklist entries, that must survive restarts. Records are grouped in
// buckets and encoded as canonical JSON.
package registry

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// Store is a bucketed record store.
type Store interface {
	// Put encodes and stores value under bucket/key.
	Put(bucket, key string, value interface{}) error
	// Get decodes the record under bucket/key into value.
	Get(bucket, key string, value interface{}) error
	Delete(bucket, key string) error
	// Iterate calls fn with every record of a bucket, in key order.
	Iterate(bucket string, fn func(key string, raw []byte) error) error
	Close() error
}

// Marshal returns the canonical JSON encoding of a record.
func Marshal(value interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(value); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal decodes a record returned by Iterate.
func Unmarshal(data []byte, value interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(value)
}
