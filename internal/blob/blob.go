// Package blob stores content bytes in Pebble, keyed by content identifier.
//
// Blobs are written before the submission transaction that references
// them. A blob with no committed submission is unreachable, since every
// read is gated on a stored content row.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ident"
)

const keyPrefix = "blob/"

// Store is a content-addressed blob store.
type Store struct {
	db *pebble.DB
}

// Open opens or creates a blob store in the directory at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, apperr.Wrap(apperr.CodeFatalConfig, "create blob directory", err)
	}
	return open(path, &pebble.Options{})
}

// OpenInMemory opens a blob store backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(path string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(uri ident.URI) []byte {
	return []byte(keyPrefix + uri.Algorithm + "/" + uri.Digest)
}

// Put stores data under uri. An existing blob is left untouched, since the
// key already determines its bytes.
func (s *Store) Put(uri ident.URI, data []byte) error {
	ok, err := s.Has(uri)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := s.db.Set(key(uri), data, pebble.Sync); err != nil {
		return apperr.Wrap(apperr.CodeTransient, "put blob "+uri.String(), err)
	}
	return nil
}

// Get returns a copy of the bytes stored under uri.
// Returns a NOT_FOUND error when no blob exists.
func (s *Store) Get(uri ident.URI) ([]byte, error) {
	v, closer, err := s.db.Get(key(uri))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "blob %s not found", uri)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "get blob "+uri.String(), err)
	}
	defer closer.Close()

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Has reports whether a blob exists under uri.
func (s *Store) Has(uri ident.URI) (bool, error) {
	_, closer, err := s.db.Get(key(uri))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.CodeTransient, "stat blob "+uri.String(), err)
	}
	closer.Close()
	return true, nil
}

// Count returns the number of stored blobs.
func (s *Store) Count() (int, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("blob0"), // '0' sorts right after '/'
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeTransient, "iterate blobs", err)
	}
	defer it.Close()

	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		n++
	}
	return n, nil
}
