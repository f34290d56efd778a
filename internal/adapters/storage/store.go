package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

const (
	buildPrefix  = "build:"
	deployPrefix = "deploy:"
)

// Store implements ports.RecordStore with Badger DB. Records are JSON values
// under "build:<id>" and "deploy:<id>" keys.
type Store struct {
	db *badger.DB
}

// NewStore opens (or creates) the database at path.
func NewStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewInMemoryStore opens a store that lives only as long as the process.
func NewInMemoryStore() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory record store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveBuild(ctx context.Context, r *domain.BuildRecord) error {
	return s.put(buildPrefix+r.ID, r)
}

func (s *Store) GetBuild(ctx context.Context, id string) (*domain.BuildRecord, error) {
	var out domain.BuildRecord
	if err := s.get(buildPrefix+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBuilds returns every build, newest first.
func (s *Store) ListBuilds(ctx context.Context) ([]domain.BuildRecord, error) {
	var out []domain.BuildRecord
	err := s.scan(buildPrefix, func(v []byte) error {
		var r domain.BuildRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) SaveDeploy(ctx context.Context, r *domain.DeployRecord) error {
	return s.put(deployPrefix+r.ID, r)
}

func (s *Store) GetDeploy(ctx context.Context, id string) (*domain.DeployRecord, error) {
	var out domain.DeployRecord
	if err := s.get(deployPrefix+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDeploys returns every deploy, newest first.
func (s *Store) ListDeploys(ctx context.Context) ([]domain.DeployRecord, error) {
	var out []domain.DeployRecord
	err := s.scan(deployPrefix, func(v []byte) error {
		var r domain.DeployRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) get(key string, v interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (s *Store) scan(prefix string, fn func([]byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}
