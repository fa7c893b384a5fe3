package pebble

import (
	"github.com/cockroachdb/pebble"
)

// DB is the subset of *pebble.DB the store uses.
type DB interface {
	// NewIter returns an unpositioned iterator bounded by o.
	NewIter(o *pebble.IterOptions) (Iterator, error)

	// Set overwrites the value for key.
	Set(key, value []byte, o *pebble.WriteOptions) error

	// Delete removes key. Deletes are blind and succeed for missing keys.
	Delete(key []byte, o *pebble.WriteOptions) error

	Close() error
}

// Iterator is the subset of *pebble.Iterator the store uses.
type Iterator interface {
	First() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Next() bool
	Error() error
	Close() error
}

// pebbleDB wraps a pebble.DB to implement the DB interface.
type pebbleDB struct {
	db *pebble.DB
}

func (p *pebbleDB) NewIter(o *pebble.IterOptions) (Iterator, error) {
	return p.db.NewIter(o)
}

func (p *pebbleDB) Set(key, value []byte, o *pebble.WriteOptions) error {
	return p.db.Set(key, value, o)
}

func (p *pebbleDB) Delete(key []byte, o *pebble.WriteOptions) error {
	return p.db.Delete(key, o)
}

func (p *pebbleDB) Close() error {
	return p.db.Close()
}
