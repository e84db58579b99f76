package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/hashrepo/internal/ident"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser inserts a writable user with a dummy hash.
func createTestUser(t *testing.T, s *Store, name string) User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), name, "x", true)
	require.NoError(t, err)
	return u
}

// createTestCommit builds a textual commit for body.
func createTestCommit(body string, submitter int64, targets ...int64) Commit {
	return Commit{
		URI:         ident.Sum([]byte(body)),
		MediaType:   "text/plain",
		Size:        int64(len(body)),
		Terms:       []string{"body", fmt.Sprintf("len%d", len(body))},
		SubmitterID: submitter,
		Targets:     targets,
	}
}
