package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hashrepo/internal/ast"
	"github.com/roach88/hashrepo/internal/ident"
	"github.com/roach88/hashrepo/internal/querysql"
	"github.com/roach88/hashrepo/internal/session"
	"github.com/roach88/hashrepo/internal/store"
	"github.com/roach88/hashrepo/internal/testutil"
)

// recordingSink collects stream output.
type recordingSink struct {
	mu         sync.Mutex
	uris       []ident.URI
	heartbeats int
	failAfter  int // fail the write after this many successful writes; 0 = never
}

func (s *recordingSink) Write(uri ident.URI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.uris) >= s.failAfter {
		return errors.New("client went away")
	}
	s.uris = append(s.uris, uri)
	return nil
}

func (s *recordingSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *recordingSink) written() []ident.URI {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ident.URI(nil), s.uris...)
}

func (s *recordingSink) beats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

type fixture struct {
	*testutil.Repo
	alice session.Session
	bob   session.Session
	carol session.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := testutil.NewRepo(t)
	return &fixture{
		Repo:  repo,
		alice: repo.Session(t, "alice", true),
		bob:   repo.Session(t, "bob", true),
		carol: repo.Session(t, "carol", true),
	}
}

func (f *fixture) commit(t *testing.T, as session.Session, body string, targets ...int64) ident.URI {
	t.Helper()
	return f.Commit(t, as, body, targets...)
}

// commitFromHook is commit for use off the test goroutine.
func (f *fixture) commitFromHook(t *testing.T, as session.Session, body string) ident.URI {
	res, err := f.Ingest.Commit(context.Background(), as, []byte(body), "text/plain", nil)
	assert.NoError(t, err)
	return res.URI
}

func (f *fixture) stream(t *testing.T, as session.Session, n ast.Node, opts Options) *Stream {
	t.Helper()
	q, err := as.Scope(n)
	require.NoError(t, err)
	return New(f.Store, f.Bus, q, opts, nil)
}

// serve runs s in the background and returns a channel with Serve's error.
func serve(s *Stream, sink Sink) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(context.Background(), sink) }()
	return errc
}

func waitState(t *testing.T, s *Stream, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 5*time.Second, time.Millisecond)
}

func waitWritten(t *testing.T, sink *recordingSink, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(sink.written()) >= n }, 5*time.Second, time.Millisecond)
}

func TestServe_BackfillOnly(t *testing.T) {
	f := newFixture(t)
	var want []ident.URI
	for i := 0; i < 3; i++ {
		want = append(want, f.commit(t, f.alice, fmt.Sprintf("fox %d", i)))
	}
	f.commit(t, f.alice, "unrelated")

	s := f.stream(t, f.alice, ast.Term{Text: "fox"}, Options{})
	sink := &recordingSink{}
	require.NoError(t, s.Serve(context.Background(), sink))

	assert.Equal(t, want, sink.written())
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, f.Bus.Len())
}

func TestServe_NegativeOffsetBackfill(t *testing.T) {
	f := newFixture(t)
	var all []ident.URI
	for i := 0; i < 6; i++ {
		all = append(all, f.commit(t, f.alice, fmt.Sprintf("fox %d", i)))
	}

	s := f.stream(t, f.alice, ast.Term{Text: "fox"}, Options{Page: querysql.Page{Offset: -2}})
	sink := &recordingSink{}
	require.NoError(t, s.Serve(context.Background(), sink))
	assert.Equal(t, all[4:], sink.written())
}

func TestServe_BackfillThenLive_NoGapsNoDuplicates(t *testing.T) {
	f := newFixture(t)

	var want []ident.URI
	for i := 0; i < 5; i++ { // N
		want = append(want, f.commit(t, f.alice, fmt.Sprintf("fox backfill %d", i)))
	}

	s := f.stream(t, f.alice, ast.Term{Text: "fox"}, Options{Live: true})
	// Committed after subscribing but before the ceiling is read: covered by
	// the backfill, and its live event must be dropped.
	s.hooks.afterSubscribe = func() {
		want = append(want, f.commitFromHook(t, f.alice, "fox before ceiling"))
	}
	// Committed after the ceiling is read: excluded from the backfill, and
	// delivered from the inbox once streaming starts.
	s.hooks.afterCeiling = func() {
		want = append(want, f.commitFromHook(t, f.alice, "fox during backfill 1"))
		want = append(want, f.commitFromHook(t, f.alice, "fox during backfill 2"))
	}

	sink := &recordingSink{}
	errc := serve(s, sink)
	waitState(t, s, StateStreaming)

	for i := 0; i < 3; i++ {
		want = append(want, f.commit(t, f.alice, fmt.Sprintf("fox live %d", i)))
		f.commit(t, f.alice, fmt.Sprintf("no match %d", i))
	}

	waitWritten(t, sink, len(want))
	s.Close()
	require.NoError(t, <-errc)

	assert.Equal(t, want, sink.written())
	assert.Zero(t, f.Bus.Len())
}

func TestServe_LiveRespectsAccess(t *testing.T) {
	f := newFixture(t)

	bobStream := f.stream(t, f.bob, ast.Term{Text: "secret"}, Options{Live: true})
	carolStream := f.stream(t, f.carol, ast.Term{Text: "secret"}, Options{Live: true})
	bobSink, carolSink := &recordingSink{}, &recordingSink{}
	bobErr, carolErr := serve(bobStream, bobSink), serve(carolStream, carolSink)
	waitState(t, bobStream, StateStreaming)
	waitState(t, carolStream, StateStreaming)

	forBob := f.commit(t, f.alice, "secret plans", f.bob.UserID)
	public := f.commit(t, f.alice, "secret recipe", ast.PublicUserID)

	waitWritten(t, bobSink, 2)
	waitWritten(t, carolSink, 1)
	bobStream.Close()
	carolStream.Close()
	require.NoError(t, <-bobErr)
	require.NoError(t, <-carolErr)

	assert.Equal(t, []ident.URI{forBob, public}, bobSink.written())
	assert.Equal(t, []ident.URI{public}, carolSink.written())
}

func TestServe_Heartbeat(t *testing.T) {
	f := newFixture(t)
	s := f.stream(t, f.alice, ast.All{}, Options{Live: true, Heartbeat: 5 * time.Millisecond})
	sink := &recordingSink{}
	errc := serve(s, sink)

	require.Eventually(t, func() bool { return sink.beats() >= 2 }, 5*time.Second, time.Millisecond)
	s.Close()
	require.NoError(t, <-errc)
}

func TestServe_ContextCancelEndsStream(t *testing.T) {
	f := newFixture(t)
	s := f.stream(t, f.alice, ast.All{}, Options{Live: true})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, &recordingSink{}) }()
	waitState(t, s, StateStreaming)

	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, f.Bus.Len())
}

func TestServe_SinkFailureClosesStream(t *testing.T) {
	f := newFixture(t)
	s := f.stream(t, f.alice, ast.All{}, Options{Live: true})
	sink := &recordingSink{failAfter: 1}
	errc := serve(s, sink)
	waitState(t, s, StateStreaming)

	f.commit(t, f.alice, "one")
	f.commit(t, f.alice, "two")

	err := <-errc
	require.Error(t, err)
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, f.Bus.Len())
}

func TestClose_IdempotentAndBeforeServe(t *testing.T) {
	f := newFixture(t)
	s := f.stream(t, f.alice, ast.All{}, Options{Live: true})

	s.Close()
	s.Close()
	require.NoError(t, s.Serve(context.Background(), &recordingSink{}))
	assert.Zero(t, f.Bus.Len())

	err := s.Serve(context.Background(), &recordingSink{})
	assert.Error(t, err, "a stream is served once")
}

func TestServe_RequiresScopedQuery(t *testing.T) {
	f := newFixture(t)
	s := New(f.Store, f.Bus, ast.Scoped{}, Options{}, nil)
	assert.Error(t, s.Serve(context.Background(), &recordingSink{}))
}

// flakySource fails selected calls and otherwise delegates to a store.
type flakySource struct {
	*store.Store
	failMatches  bool
	failContains map[int64]bool
}

func (s *flakySource) Matches(ctx context.Context, q ast.Scoped, page querysql.Page, ceiling int64) ([]store.Match, error) {
	if s.failMatches {
		return nil, errors.New("disk I/O error")
	}
	return s.Store.Matches(ctx, q, page, ceiling)
}

func (s *flakySource) Contains(ctx context.Context, m querysql.Membership, id int64) (bool, error) {
	if s.failContains[id] {
		return false, errors.New("database is locked")
	}
	return s.Store.Contains(ctx, m, id)
}

func TestServe_BackfillErrorReturned(t *testing.T) {
	f := newFixture(t)
	f.commit(t, f.alice, "fox")

	q, err := f.alice.Scope(ast.All{})
	require.NoError(t, err)
	s := New(&flakySource{Store: f.Store, failMatches: true}, f.Bus, q, Options{Live: true}, nil)

	err = s.Serve(context.Background(), &recordingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backfill")
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, f.Bus.Len())
}

func TestServe_MembershipErrorSkipsEvent(t *testing.T) {
	f := newFixture(t)
	lastID, err := f.Store.MaxSubmissionID(context.Background())
	require.NoError(t, err)

	q, err := f.alice.Scope(ast.All{})
	require.NoError(t, err)
	src := &flakySource{Store: f.Store, failContains: map[int64]bool{lastID + 1: true}}
	s := New(src, f.Bus, q, Options{Live: true}, nil)
	sink := &recordingSink{}
	errc := serve(s, sink)
	waitState(t, s, StateStreaming)

	f.commit(t, f.alice, "skipped")
	kept := f.commit(t, f.alice, "kept")

	waitWritten(t, sink, 1)
	s.Close()
	require.NoError(t, <-errc)
	assert.Equal(t, []ident.URI{kept}, sink.written())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "State(9)", State(9).String())
}
