package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ast"
	"github.com/roach88/hashrepo/internal/ident"
	logpkg "github.com/roach88/hashrepo/internal/logger"
	"github.com/roach88/hashrepo/internal/querylang"
	"github.com/roach88/hashrepo/internal/querysql"
	"github.com/roach88/hashrepo/internal/stream"
)

// Query handles GET /api/query: a newline-delimited stream of matching
// identifiers, optionally followed by the live tail.
func (s *Server) Query(w http.ResponseWriter, r *http.Request) {
	q, err := s.scopedQuery(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	page, err := s.pageParams(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	live, err := boolParam(r, "live")
	if err != nil {
		handleError(w, r, err)
		return
	}

	log := logpkg.FromContext(r.Context())
	st := stream.New(s.store, s.bus, q, stream.Options{
		Page:      page,
		Live:      live,
		Heartbeat: s.opts.Heartbeat,
	}, log)
	defer st.Close()

	sink := newLineSink(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Stream-ID", st.ID())
	if live {
		// Live readers wait on the headers before reading any line.
		sink.open()
	}

	err = st.Serve(r.Context(), sink)
	switch {
	case err == nil:
		sink.open()
	case errors.Is(err, errSinkClosed):
		log.Debug("stream reader went away", zap.String("stream_id", st.ID()), zap.Error(err))
	case !sink.opened:
		handleError(w, r, err)
	default:
		log.Warn("stream ended with error", zap.String("stream_id", st.ID()), zap.Error(err))
	}
}

// Count handles GET /api/count.
func (s *Server) Count(w http.ResponseWriter, r *http.Request) {
	q, err := s.scopedQuery(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	n, err := s.store.Count(r.Context(), q)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

// scopedQuery parses q and lang and scopes the result to the session.
func (s *Server) scopedQuery(r *http.Request) (ast.Scoped, error) {
	params := r.URL.Query()
	lang := params.Get("lang")
	if lang == "" {
		lang = querylang.DefaultLanguage
	}
	node, err := querylang.Parse(params.Get("q"), lang)
	if err != nil {
		return ast.Scoped{}, err
	}
	return SessionFrom(r.Context()).Scope(node)
}

func (s *Server) pageParams(r *http.Request) (querysql.Page, error) {
	offset, err := intParam(r, "offset")
	if err != nil {
		return querysql.Page{}, err
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return querysql.Page{}, err
	}
	if limit < 0 {
		return querysql.Page{}, apperr.New(apperr.CodeParse, "limit must not be negative")
	}
	// An omitted limit stays unbounded: pulls backfill through it.
	if s.opts.MaxLimit > 0 && limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}
	return querysql.Page{Offset: offset, Limit: limit}, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Newf(apperr.CodeParse, "%s must be an integer, got %q", name, raw)
	}
	return v, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Newf(apperr.CodeParse, "%s must be a boolean, got %q", name, raw)
	}
	return v, nil
}

// errSinkClosed marks a write to a reader that went away.
var errSinkClosed = errors.New("stream reader closed")

// lineSink writes one identifier per line and flushes after each. A blank
// line is a heartbeat.
type lineSink struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	opened bool
}

func newLineSink(w http.ResponseWriter) *lineSink {
	return &lineSink{w: w, rc: http.NewResponseController(w)}
}

// open commits the 200 status and headers.
func (s *lineSink) open() {
	if s.opened {
		return
	}
	s.opened = true
	s.w.WriteHeader(http.StatusOK)
	_ = s.rc.Flush()
}

func (s *lineSink) Write(uri ident.URI) error {
	return s.line(uri.String())
}

func (s *lineSink) Heartbeat() error {
	return s.line("")
}

func (s *lineSink) line(text string) error {
	s.open()
	if _, err := io.WriteString(s.w, text+"\n"); err != nil {
		return errors.Join(errSinkClosed, err)
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return errors.Join(errSinkClosed, err)
	}
	return nil
}
