package pull

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ident"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// Client talks to a remote repository with Basic credentials on every
// request.
type Client struct {
	base     *url.URL
	http     *http.Client
	username string
	password string
}

// NewClient creates a client for the repository at remote.
// A nil httpClient uses a client without a timeout, which live queries need.
func NewClient(remote, username, password string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(remote, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Newf(apperr.CodeFatalConfig, "invalid remote %q", remote)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{base: u, http: httpClient, username: username, password: password}, nil
}

// Remote returns the base address.
func (c *Client) Remote() string {
	return c.base.String()
}

// QueryOptions selects the page of a remote query and whether the stream
// follows the live tail.
type QueryOptions struct {
	Language string
	Offset   int
	Limit    int
	Live     bool
}

// Query opens a remote query stream. The caller reads newline-delimited
// identifiers (blank lines are heartbeats) and must close the returned
// body. Cancelling ctx aborts the stream.
func (c *Client) Query(ctx context.Context, query string, opts QueryOptions) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("q", query)
	if opts.Language != "" {
		q.Set("lang", opts.Language)
	}
	if opts.Offset != 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Limit != 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Live {
		q.Set("live", "true")
	}

	resp, err := c.do(ctx, "/api/query", q, "text/plain")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// LiveQuery opens the full history of query followed by its live tail.
func (c *Client) LiveQuery(ctx context.Context, query, language string) (io.ReadCloser, error) {
	return c.Query(ctx, query, QueryOptions{Language: language, Live: true})
}

// Fetch downloads the content identified by uri and returns its bytes and
// declared media type.
func (c *Client) Fetch(ctx context.Context, uri ident.URI) ([]byte, string, error) {
	path := "/api/content/" + url.PathEscape(uri.Algorithm) + "/" + url.PathEscape(uri.Digest)
	resp, err := c.do(ctx, path, nil, "*/*")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", transient("read "+uri.String(), err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(ctx context.Context, path string, query url.Values, accept string) (*http.Response, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeFatalConfig, "build request", err)
	}
	// No username reads the remote anonymously.
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, transient("GET "+path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, statusError(path, resp.StatusCode, strings.TrimSpace(string(msg)))
}

// statusError maps a remote status to the error taxonomy.
func statusError(path string, status int, msg string) error {
	text := fmt.Sprintf("GET %s: remote returned %d", path, status)
	if msg != "" {
		text += ": " + msg
	}
	switch {
	case status == http.StatusNotFound:
		return apperr.New(apperr.CodeNotFound, text)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apperr.New(apperr.CodePermission, text)
	case status == http.StatusBadRequest:
		return apperr.New(apperr.CodeParse, text)
	case status == http.StatusTooManyRequests, status >= 500:
		return apperr.New(apperr.CodeTransient, text)
	default:
		return apperr.New(apperr.CodeValidation, text)
	}
}

func transient(op string, err error) error {
	return apperr.Wrap(apperr.CodeTransient, op, err)
}
