package pull

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/hashrepo/internal/ident"
	"github.com/roach88/hashrepo/internal/session"
	"github.com/roach88/hashrepo/internal/testutil"
)

const (
	remoteUser = "mirror"
	remotePass = "hunter2"
)

// fakeRemote serves the two endpoints a Pull uses.
type fakeRemote struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	contents  map[ident.URI][]byte
	announce  []string
	fetches   map[ident.URI]int
	failFirst map[ident.URI]int // fetches answered with 503 before succeeding
	corrupt   map[ident.URI]bool
	queries   []string

	// Set before the pull starts.
	closeAfter bool // end the stream after the initial announcements
	silent     bool // never write anything, not even heartbeats
	noHeaders  bool // accept the request but never answer it
	rejectAuth bool

	hold chan struct{} // content fetches block until closed

	live     chan string
	connects atomic.Int32
}

func newFakeRemote(t *testing.T) *fakeRemote {
	r := &fakeRemote{
		t:         t,
		contents:  map[ident.URI][]byte{},
		fetches:   map[ident.URI]int{},
		failFirst: map[ident.URI]int{},
		corrupt:   map[ident.URI]bool{},
		live:      make(chan string, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/query", r.handleQuery)
	mux.HandleFunc("/api/content/", r.handleContent)
	r.server = httptest.NewServer(mux)
	t.Cleanup(r.server.Close)
	return r
}

// add stores body on the remote and returns its identifier.
func (r *fakeRemote) add(body string, announce bool) ident.URI {
	uri := ident.Sum([]byte(body))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contents[uri] = []byte(body)
	if announce {
		r.announce = append(r.announce, uri.String())
	}
	return uri
}

func (r *fakeRemote) fetchCount(uri ident.URI) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[uri]
}

func (r *fakeRemote) firstQuery() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queries) == 0 {
		return ""
	}
	return r.queries[0]
}

func (r *fakeRemote) authorized(req *http.Request) bool {
	user, pass, ok := req.BasicAuth()
	return ok && user == remoteUser && pass == remotePass && !r.rejectAuth
}

func (r *fakeRemote) handleQuery(w http.ResponseWriter, req *http.Request) {
	r.connects.Add(1)
	if !r.authorized(req) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
		return
	}

	if r.noHeaders {
		<-req.Context().Done()
		return
	}

	r.mu.Lock()
	r.queries = append(r.queries, req.URL.RawQuery)
	lines := append([]string(nil), r.announce...)
	r.mu.Unlock()

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if r.silent {
		<-req.Context().Done()
		return
	}
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	fmt.Fprintln(w) // heartbeat
	flusher.Flush()
	if r.closeAfter {
		return
	}

	for {
		select {
		case <-req.Context().Done():
			return
		case l := <-r.live:
			fmt.Fprintln(w, l)
			flusher.Flush()
		}
	}
}

func (r *fakeRemote) handleContent(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
		return
	}
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/api/content/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, req)
		return
	}
	uri := ident.URI{Algorithm: parts[0], Digest: parts[1]}

	r.mu.Lock()
	r.fetches[uri]++
	body, ok := r.contents[uri]
	fail := r.failFirst[uri] > 0
	if fail {
		r.failFirst[uri]--
	}
	corrupt := r.corrupt[uri]
	r.mu.Unlock()

	if r.hold != nil {
		<-r.hold
	}

	switch {
	case fail:
		http.Error(w, "try later", http.StatusServiceUnavailable)
	case !ok:
		http.NotFound(w, req)
	default:
		if corrupt {
			body = append([]byte("tampered "), body...)
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(body)
	}
}

// local is the repository a Pull writes into.
type local struct {
	*testutil.Repo
	owner session.Session
}

func newLocal(t *testing.T, canWrite bool) *local {
	t.Helper()
	repo := testutil.NewRepo(t)
	return &local{Repo: repo, owner: repo.Session(t, "owner", canWrite)}
}

func (l *local) submissions(t *testing.T, uri ident.URI) int {
	t.Helper()
	refs, err := l.Store.SubmissionsFor(context.Background(), uri, l.owner.UserID)
	require.NoError(t, err)
	return len(refs)
}

func testSettings() Settings {
	return Settings{
		StallTimeout:   time.Second,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		FetchRate:      1000,
		FetchBurst:     100,
		TaskAttempts:   3,
		FetchTimeout:   5 * time.Second,
	}
}

// taskLog records task outcomes reported by a Pull.
type taskLog struct {
	mu       sync.Mutex
	outcomes map[string][]string
	errs     map[string]error
	total    int
}

func (l *taskLog) observe(uri, outcome string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outcomes == nil {
		l.outcomes = map[string][]string{}
		l.errs = map[string]error{}
	}
	l.outcomes[uri] = append(l.outcomes[uri], outcome)
	if err != nil {
		l.errs[uri] = err
	}
	l.total++
}

func (l *taskLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *taskLog) of(uri ident.URI) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.outcomes[uri.String()]...), l.errs[uri.String()]
}

func mustParse(t *testing.T, s string) ident.URI {
	t.Helper()
	uri, err := ident.Parse(s)
	require.NoError(t, err)
	return uri
}

func zeros(n int) string {
	return strings.Repeat("0", n)
}
