package registry

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	apperrors "github.com/demandcast/demandcast/pkg/errors"
)

// BlobStore persists serialized model parameters keyed by artifact ID.
type BlobStore interface {
	Save(ctx context.Context, modelID uuid.UUID, params []byte) error
	Load(ctx context.Context, modelID uuid.UUID) ([]byte, error)
	Delete(ctx context.Context, modelID uuid.UUID) error
}

// BadgerBlobStore stores parameter blobs in BadgerDB.
type BadgerBlobStore struct {
	db *badger.DB
}

// NewBadgerBlobStore wraps an open Badger handle.
func NewBadgerBlobStore(db *badger.DB) *BadgerBlobStore {
	return &BadgerBlobStore{db: db}
}

func blobKey(modelID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("params:%s", modelID))
}

// Save persists the parameter blob for an artifact.
func (s *BadgerBlobStore) Save(ctx context.Context, modelID uuid.UUID, params []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(modelID), params)
	})
	if err != nil {
		return apperrors.Internal.Explain("save parameter blob for %s", modelID).Wrap(err)
	}
	return nil
}

// Load returns the parameter blob for an artifact.
func (s *BadgerBlobStore) Load(ctx context.Context, modelID uuid.UUID) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(modelID))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if apperrors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperrors.NotFound.Explain("parameter blob for model %s", modelID)
	}
	if err != nil {
		return nil, apperrors.Internal.Explain("load parameter blob for %s", modelID).Wrap(err)
	}
	return out, nil
}

// Delete removes the parameter blob, used when a cancelled or failed
// training run discards its partial artifact.
func (s *BadgerBlobStore) Delete(ctx context.Context, modelID uuid.UUID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blobKey(modelID))
	})
	if err != nil {
		return apperrors.Internal.Explain("delete parameter blob for %s", modelID).Wrap(err)
	}
	return nil
}
