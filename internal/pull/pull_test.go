package pull

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/metrics"
)

const waitFor = 5 * time.Second

// startPull runs a pull of remote into l and returns its task log.
func startPull(t *testing.T, remote *fakeRemote, l *local, targets ...int64) (*Pull, *taskLog) {
	t.Helper()
	cfg := Config{
		ID:       newID(),
		UserID:   l.owner.UserID,
		Targets:  targets,
		Remote:   remote.server.URL,
		Query:    "",
		Username: remoteUser,
		Password: remotePass,
	}
	require.NoError(t, cfg.Validate())

	client, err := NewClient(cfg.Remote, cfg.Username, cfg.Password, nil)
	require.NoError(t, err)

	tasks := &taskLog{}
	p := New(cfg, l.owner, client, l.Store, l.Ingest, testSettings(), nil)
	p.onTask = tasks.observe
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Close)
	return p, tasks
}

func TestPull_ReplicatesAnnouncedContent(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	a := remote.add("first body", true)
	b := remote.add("second body", true)

	_, tasks := startPull(t, remote, l, 0)

	require.Eventually(t, func() bool { return tasks.count() >= 2 }, waitFor, 5*time.Millisecond)

	for _, uri := range []string{a.String(), b.String()} {
		outcomes, err := tasks.of(mustParse(t, uri))
		require.NoError(t, err)
		assert.Equal(t, []string{metrics.OutcomeIngested}, outcomes, uri)
	}
	assert.Equal(t, 1, l.submissions(t, a))
	assert.Equal(t, 1, l.submissions(t, b))

	// Targeted at the public sentinel, so anonymous readers see it.
	ok, err := l.Store.CanRead(context.Background(), a, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, remote.firstQuery(), "live=true")
}

func TestPull_LiveAnnouncementsAfterConnect(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)

	p, tasks := startPull(t, remote, l)
	require.Eventually(t, p.Connected, waitFor, 5*time.Millisecond)

	uri := remote.add("arrives later", false)
	remote.live <- uri.String()

	require.Eventually(t, func() bool { return tasks.count() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, l.submissions(t, uri))

	// Not targeted at the public sentinel.
	ok, err := l.Store.CanRead(context.Background(), uri, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPull_DuplicateAnnouncementsIngestOnce(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	uri := remote.add("announced twice", true)

	p, tasks := startPull(t, remote, l)
	require.Eventually(t, func() bool { return tasks.count() == 1 }, waitFor, 5*time.Millisecond)
	require.True(t, p.Connected())

	// Alias spelling of the same identifier.
	remote.live <- "HASH://SHA-256/" + uri.Digest

	require.Eventually(t, func() bool { return tasks.count() == 2 }, waitFor, 5*time.Millisecond)
	outcomes, err := tasks.of(uri)
	require.NoError(t, err)
	assert.Equal(t, []string{metrics.OutcomeIngested, metrics.OutcomeSkipped}, outcomes)
	assert.Equal(t, 1, l.submissions(t, uri))
	assert.Equal(t, 1, remote.fetchCount(uri))
}

func TestPull_ReconnectReplaysAreSkipped(t *testing.T) {
	remote := newFakeRemote(t)
	remote.closeAfter = true
	l := newLocal(t, true)
	uri := remote.add("replayed on every connect", true)

	_, tasks := startPull(t, remote, l)

	require.Eventually(t, func() bool { return remote.connects.Load() >= 3 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tasks.count() >= 2 }, waitFor, 5*time.Millisecond)

	outcomes, _ := tasks.of(uri)
	assert.Equal(t, metrics.OutcomeIngested, outcomes[0])
	for _, o := range outcomes[1:] {
		assert.Equal(t, metrics.OutcomeSkipped, o)
	}
	assert.Equal(t, 1, l.submissions(t, uri))
}

func TestPull_FailedTaskDoesNotStopLaterTasks(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)

	missing := mustParse(t, "hash://sha256/"+zeros(64))
	remote.mu.Lock()
	remote.announce = append(remote.announce, missing.String())
	remote.mu.Unlock()
	tampered := remote.add("tampered on the wire", true)
	remote.corrupt[tampered] = true
	good := remote.add("arrives intact", true)

	_, tasks := startPull(t, remote, l)
	require.Eventually(t, func() bool { return tasks.count() == 3 }, waitFor, 5*time.Millisecond)

	outcomes, err := tasks.of(missing)
	assert.Equal(t, []string{metrics.OutcomeFailed}, outcomes)
	assert.True(t, apperr.IsNotFound(err), "got %v", err)
	assert.Equal(t, 1, remote.fetchCount(missing), "not found is not retried")

	outcomes, err = tasks.of(tampered)
	assert.Equal(t, []string{metrics.OutcomeFailed}, outcomes)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	assert.Equal(t, 1, remote.fetchCount(tampered), "digest mismatch is not retried")
	assert.Equal(t, 0, l.submissions(t, tampered))

	outcomes, err = tasks.of(good)
	require.NoError(t, err)
	assert.Equal(t, []string{metrics.OutcomeIngested}, outcomes)
}

func TestPull_TransientFetchIsRetried(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	uri := remote.add("flaky remote", true)
	remote.failFirst[uri] = 2

	_, tasks := startPull(t, remote, l)
	require.Eventually(t, func() bool { return tasks.count() == 1 }, waitFor, 5*time.Millisecond)

	outcomes, err := tasks.of(uri)
	require.NoError(t, err)
	assert.Equal(t, []string{metrics.OutcomeIngested}, outcomes)
	assert.Equal(t, 3, remote.fetchCount(uri))
}

func TestPull_TransientFetchGivesUpAfterAttempts(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	uri := remote.add("always down", true)
	remote.failFirst[uri] = 100

	_, tasks := startPull(t, remote, l)
	require.Eventually(t, func() bool { return tasks.count() == 1 }, waitFor, 5*time.Millisecond)

	_, err := tasks.of(uri)
	assert.True(t, apperr.IsTransient(err), "got %v", err)
	assert.Equal(t, testSettings().TaskAttempts, remote.fetchCount(uri))
}

func TestPull_OwnerWithoutWriteNeverFetches(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, false)
	uri := remote.add("cannot be stored", true)

	_, tasks := startPull(t, remote, l)
	require.Eventually(t, func() bool { return tasks.count() == 1 }, waitFor, 5*time.Millisecond)

	_, err := tasks.of(uri)
	assert.True(t, apperr.IsPermission(err), "got %v", err)
	assert.Equal(t, 0, remote.fetchCount(uri))
}

func TestPull_MalformedLinesAreIgnored(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)
	remote.announce = append(remote.announce, "not-an-identifier", "hash://md5/abc")
	uri := remote.add("after the junk", true)

	_, tasks := startPull(t, remote, l)
	require.Eventually(t, func() bool { return tasks.count() == 1 }, waitFor, 5*time.Millisecond)

	outcomes, _ := tasks.of(uri)
	assert.Equal(t, []string{metrics.OutcomeIngested}, outcomes)
}

func TestPull_StalledStreamReconnects(t *testing.T) {
	remote := newFakeRemote(t)
	remote.silent = true
	l := newLocal(t, true)

	cfg := Config{ID: newID(), UserID: l.owner.UserID, Remote: remote.server.URL, Username: remoteUser, Password: remotePass}
	client, err := NewClient(cfg.Remote, cfg.Username, cfg.Password, nil)
	require.NoError(t, err)

	settings := testSettings()
	settings.StallTimeout = 50 * time.Millisecond
	p := New(cfg, l.owner, client, l.Store, l.Ingest, settings, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	require.Eventually(t, func() bool { return remote.connects.Load() >= 3 }, waitFor, 5*time.Millisecond)
}

func TestPull_RemoteWithoutHeadersReconnects(t *testing.T) {
	remote := newFakeRemote(t)
	remote.noHeaders = true
	l := newLocal(t, true)

	cfg := Config{ID: newID(), UserID: l.owner.UserID, Remote: remote.server.URL, Username: remoteUser, Password: remotePass}
	client, err := NewClient(cfg.Remote, cfg.Username, cfg.Password, nil)
	require.NoError(t, err)

	settings := testSettings()
	settings.StallTimeout = 50 * time.Millisecond
	p := New(cfg, l.owner, client, l.Store, l.Ingest, settings, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	require.Eventually(t, func() bool { return remote.connects.Load() >= 3 }, waitFor, 5*time.Millisecond)
	assert.False(t, p.Connected())
}

func TestPull_RejectedCredentialsKeepRetrying(t *testing.T) {
	remote := newFakeRemote(t)
	remote.rejectAuth = true
	l := newLocal(t, true)
	remote.add("never reached", true)

	p, tasks := startPull(t, remote, l)

	require.Eventually(t, func() bool { return remote.connects.Load() >= 3 }, waitFor, 5*time.Millisecond)
	assert.False(t, p.Connected())
	assert.Equal(t, 0, tasks.count())
}

func TestPull_CloseIsPromptAndIdempotent(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)

	p, _ := startPull(t, remote, l)
	require.Eventually(t, p.Connected, waitFor, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Close()
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}
	assert.False(t, p.Connected())
	assert.Error(t, p.Start(context.Background()))
}

func TestPull_CloseFinishesInFlightTask(t *testing.T) {
	remote := newFakeRemote(t)
	remote.hold = make(chan struct{})
	l := newLocal(t, true)
	uri := remote.add("in flight", true)

	p, _ := startPull(t, remote, l, 0)
	require.Eventually(t, func() bool { return remote.fetchCount(uri) == 1 }, waitFor, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned while a fetch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(remote.hold)
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 1, l.submissions(t, uri))
	assert.Equal(t, 1, remote.fetchCount(uri))
}

func TestPull_StartTwice(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)

	p, _ := startPull(t, remote, l)
	err := p.Start(context.Background())
	assert.ErrorContains(t, err, "already started")
}

func TestPull_CancelledContextStopsWorker(t *testing.T) {
	remote := newFakeRemote(t)
	l := newLocal(t, true)

	cfg := Config{ID: newID(), UserID: l.owner.UserID, Remote: remote.server.URL, Username: remoteUser, Password: remotePass}
	client, err := NewClient(cfg.Remote, cfg.Username, cfg.Password, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(cfg, l.owner, client, l.Store, l.Ingest, testSettings(), nil)
	require.NoError(t, p.Start(ctx))
	require.Eventually(t, p.Connected, waitFor, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !p.Connected() }, waitFor, 5*time.Millisecond)
	p.Close()
}

func TestSettings_WithDefaults(t *testing.T) {
	got := Settings{FetchRate: 1}.withDefaults()
	want := DefaultSettings()
	want.FetchRate = 1
	assert.Equal(t, want, got)
}
