package database

import (
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// NewBadgerDB opens the artifact blob store. With inMemory set the store
// lives entirely in RAM, which is what the tests use.
func NewBadgerDB(path string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
		opts.Logger = nil
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	return db, nil
}
