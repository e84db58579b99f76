// Package testutil builds throwaway repositories for tests in packages that
// sit above ingest.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/hashrepo/internal/blob"
	"github.com/roach88/hashrepo/internal/bus"
	"github.com/roach88/hashrepo/internal/ident"
	"github.com/roach88/hashrepo/internal/ingest"
	"github.com/roach88/hashrepo/internal/session"
	"github.com/roach88/hashrepo/internal/store"
)

// Password is the password of every account created by AddUser.
const Password = "correct horse"

// Repo is a complete repository backed by a temp database and in-memory
// blobs. Everything it opens is closed by t.Cleanup.
type Repo struct {
	Store  *store.Store
	Blobs  *blob.Store
	Bus    *bus.Bus
	Ingest *ingest.Ingestor
}

// NewRepo opens an empty repository.
func NewRepo(t testing.TB) *Repo {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	b := bus.New()
	t.Cleanup(b.Close)

	return &Repo{
		Store:  st,
		Blobs:  blobs,
		Bus:    b,
		Ingest: ingest.New(st, blobs, b, nil, ingest.Options{}),
	}
}

// AddUser creates an account whose password is Password. Hashing uses the
// minimum bcrypt cost.
func (r *Repo) AddUser(t testing.TB, name string, canWrite bool) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(Password), bcrypt.MinCost)
	require.NoError(t, err)
	u, err := r.Store.CreateUser(context.Background(), name, string(hash), canWrite)
	require.NoError(t, err)
	return u
}

// Session creates an account and returns its session.
func (r *Repo) Session(t testing.TB, name string, canWrite bool) session.Session {
	t.Helper()
	return session.ForUser(r.AddUser(t, name, canWrite))
}

// Commit submits body as plain text on behalf of as.
func (r *Repo) Commit(t testing.TB, as session.Session, body string, targets ...int64) ident.URI {
	t.Helper()
	res, err := r.Ingest.Commit(context.Background(), as, []byte(body), "text/plain", targets)
	require.NoError(t, err)
	return res.URI
}
