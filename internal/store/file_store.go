package store

import (
	"context"
	"fmt"

	"github.com/gualgeol/xiebo-coordinator/internal/batch"
	"github.com/gualgeol/xiebo-coordinator/internal/catalog"
)

// FileStore serves the catalog shards as a read-only backing store:
// every id present in the catalog is reported pending, since the file
// format has no status column. MarkStatus always fails. The coordinator
// verbs do not use this variant: the generator reads the catalog
// directly and the dispatcher verbs use SQLStore.
type FileStore struct {
	Catalog *catalog.Store
}

// NewFileStore builds a FileStore over cs.
func NewFileStore(cs *catalog.Store) *FileStore {
	return &FileStore{Catalog: cs}
}

func (s *FileStore) FetchByID(_ context.Context, id uint64) (batch.Batch, bool, error) {
	all, err := s.Catalog.ReadAll()
	if err != nil {
		return batch.Batch{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	row, ok := all[id]
	if !ok {
		return batch.Batch{}, false, nil
	}
	return catalog.RowToBatch(row), true, nil
}

func (s *FileStore) FetchPending(_ context.Context, fromID uint64, n int) ([]batch.Batch, error) {
	all, err := s.Catalog.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var out []batch.Batch
	for id := fromID; id < fromID+uint64(n); id++ {
		if row, ok := all[id]; ok {
			out = append(out, catalog.RowToBatch(row))
		}
	}
	return out, nil
}

func (s *FileStore) MarkStatus(context.Context, uint64, batch.Status, batch.Found, string) error {
	return fmt.Errorf("store: FileStore is read-only, cannot mark status")
}
