package pull

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/store"
)

func validConfig(l *local, remote *fakeRemote) Config {
	return Config{
		UserID:   l.owner.UserID,
		Targets:  []int64{0},
		Remote:   remote.server.URL,
		Query:    "",
		Language: "simple",
		Username: remoteUser,
		Password: remotePass,
	}
}

func TestSave_AssignsIDAndPersists(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	ctx := context.Background()

	cfg, err := Save(ctx, l.Store, validConfig(l, remote))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.ID)

	records, err := l.Store.ListPulls(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, cfg, FromRecord(records[0]))
}

func TestSave_Rejects(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Config)
		code   apperr.Code
	}{
		{"bad remote", func(c *Config) { c.Remote = "ftp://x" }, apperr.CodeFatalConfig},
		{"bad language", func(c *Config) { c.Language = "sql" }, apperr.CodeFatalConfig},
		{"bad query", func(c *Config) { c.Query = "OR" }, apperr.CodeFatalConfig},
		{"bad json query", func(c *Config) { c.Language = "json"; c.Query = `{"op":"user"}` }, apperr.CodeFatalConfig},
		{"negative target", func(c *Config) { c.Targets = []int64{-1} }, apperr.CodeFatalConfig},
		{"no owner", func(c *Config) { c.UserID = 0 }, apperr.CodeFatalConfig},
		{"unknown owner", func(c *Config) { c.UserID = 999 }, apperr.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(l, remote)
			tt.mutate(&cfg)
			_, err := Save(ctx, l.Store, cfg)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperr.CodeOf(err), "%v", err)
		})
	}

	records, err := l.Store.ListPulls(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestManager_InvalidRecordDoesNotStopSiblings(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	ctx := context.Background()
	uri := remote.add("sibling keeps running", true)

	good, err := Save(ctx, l.Store, validConfig(l, remote))
	require.NoError(t, err)

	// Written straight to storage, bypassing validation.
	require.NoError(t, l.Store.SavePull(ctx, store.PullRecord{
		ID:       "broken",
		UserID:   l.owner.UserID,
		Remote:   "not a url",
		Language: "simple",
	}))

	m := NewManager(l.Store, l.Ingest, testSettings(), nil, nil)
	defer m.Close()

	running, err := m.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
	assert.Equal(t, []string{good.ID}, m.Running())

	_, ok := m.Get("broken")
	assert.False(t, ok)

	require.Eventually(t, func() bool { return l.submissions(t, uri) == 1 }, waitFor, 5*time.Millisecond)
}

func TestManager_UndecodableRecordDoesNotStopSiblings(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	ctx := context.Background()
	uri := remote.add("sibling survives a corrupt row", true)

	good, err := Save(ctx, l.Store, validConfig(l, remote))
	require.NoError(t, err)
	broken := validConfig(l, remote)
	broken.ID = "broken"
	_, err = Save(ctx, l.Store, broken)
	require.NoError(t, err)

	_, err = l.Store.DB().ExecContext(ctx, `UPDATE pulls SET targets = 'not json' WHERE id = 'broken'`)
	require.NoError(t, err)

	m := NewManager(l.Store, l.Ingest, testSettings(), nil, nil)
	defer m.Close()

	running, err := m.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
	assert.Equal(t, []string{good.ID}, m.Running())

	require.Eventually(t, func() bool { return l.submissions(t, uri) == 1 }, waitFor, 5*time.Millisecond)
}

func TestManager_AddStartsWhenRunning(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	ctx := context.Background()

	m := NewManager(l.Store, l.Ingest, testSettings(), nil, nil)
	defer m.Close()

	// Not started yet: persisted only.
	first, err := m.Add(ctx, validConfig(l, remote))
	require.NoError(t, err)
	assert.Empty(t, m.Running())

	_, err = m.Start(ctx)
	require.NoError(t, err)
	second, err := m.Add(ctx, validConfig(l, remote))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{first.ID, second.ID}, m.Running())

	p, ok := m.Get(second.ID)
	require.True(t, ok)
	require.Eventually(t, p.Connected, waitFor, 5*time.Millisecond)
}

func TestManager_Remove(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	ctx := context.Background()

	m := NewManager(l.Store, l.Ingest, testSettings(), nil, nil)
	defer m.Close()
	_, err := m.Start(ctx)
	require.NoError(t, err)

	cfg, err := m.Add(ctx, validConfig(l, remote))
	require.NoError(t, err)
	p, _ := m.Get(cfg.ID)

	require.NoError(t, m.Remove(ctx, cfg.ID))
	assert.Empty(t, m.Running())
	assert.False(t, p.Connected())

	records, err := l.Store.ListPulls(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	// Unknown ids are fine.
	require.NoError(t, m.Remove(ctx, "nope"))
}

func TestManager_CloseStopsEverything(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	ctx := context.Background()

	for range 3 {
		_, err := Save(ctx, l.Store, validConfig(l, remote))
		require.NoError(t, err)
	}

	m := NewManager(l.Store, l.Ingest, testSettings(), nil, nil)
	running, err := m.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, running)

	m.Close()
	assert.Empty(t, m.Running())

	_, err = m.Add(ctx, validConfig(l, remote))
	assert.True(t, apperr.IsFatalConfig(err), "got %v", err)
}
