package httpapi

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/hashrepo/internal/store"
	"github.com/roach88/hashrepo/internal/testutil"
)

const testPassword = testutil.Password

// instance is one repository served over HTTP.
type instance struct {
	*testutil.Repo
	server *httptest.Server
}

func newInstance(t *testing.T) *instance {
	t.Helper()
	return newInstanceWith(t, Options{})
}

// newInstanceWith serves with opts; a zero Heartbeat gets a short default.
func newInstanceWith(t *testing.T, opts Options) *instance {
	t.Helper()
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 20 * time.Millisecond
	}
	repo := testutil.NewRepo(t)
	srv := NewServer(Deps{Store: repo.Store, Blobs: repo.Blobs, Bus: repo.Bus, Ingest: repo.Ingest}, opts, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &instance{Repo: repo, server: ts}
}

// addUser creates an account whose password is testPassword.
func (in *instance) addUser(t *testing.T, name string, canWrite bool) store.User {
	t.Helper()
	return in.AddUser(t, name, canWrite)
}

// request sends a request as user; an empty user sends no credentials.
func (in *instance) request(t *testing.T, method, path, user string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, in.server.URL+path, body)
	require.NoError(t, err)
	if user != "" {
		req.SetBasicAuth(user, testPassword)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}
	resp, err := in.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (in *instance) submit(t *testing.T, user, body string, targets ...string) submitResponse {
	t.Helper()
	q := url.Values{"target": targets}
	resp := in.request(t, http.MethodPost, "/api/submit?"+q.Encode(), user, strings.NewReader(body))
	requireStatus(t, resp, http.StatusCreated)

	var out submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// query runs a non-live query and returns the identifier lines.
func (in *instance) query(t *testing.T, user string, params url.Values) []string {
	t.Helper()
	resp := in.request(t, http.MethodGet, "/api/query?"+params.Encode(), user, nil)
	requireStatus(t, resp, http.StatusOK)

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if l := scanner.Text(); l != "" {
			lines = append(lines, l)
		}
	}
	require.NoError(t, scanner.Err())
	return lines
}

// requireStatus fails with the response body when the status differs.
func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		require.Failf(t, "unexpected status", "got %d, want %d: %s", resp.StatusCode, want, readAll(t, resp))
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func httptestRequest(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, http.NoBody)
}
