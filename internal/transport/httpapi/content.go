package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ident"
	"github.com/roach88/hashrepo/internal/ingest"
)

// Content handles GET /api/content/{algorithm}/{digest}. Content the
// session may not read is reported as not found.
func (s *Server) Content(w http.ResponseWriter, r *http.Request) {
	uri, err := ident.FromParts(chi.URLParam(r, "algorithm"), chi.URLParam(r, "digest"))
	if err != nil {
		handleError(w, r, apperr.Wrap(apperr.CodeNotFound, "content not found", err))
		return
	}

	sess := SessionFrom(r.Context())
	ok, err := s.store.CanRead(r.Context(), uri, sess.UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !ok {
		handleError(w, r, apperr.Newf(apperr.CodeNotFound, "content %s not found", uri))
		return
	}

	rec, err := s.store.ContentByURI(r.Context(), uri)
	if err != nil {
		handleError(w, r, err)
		return
	}
	body, err := s.blobs.Get(uri)
	if err != nil {
		handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", rec.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("ETag", strconv.Quote(uri.Digest))
	w.Header().Set("Cache-Control", "private, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Submit handles POST /api/submit. The body is the content; each target
// parameter names a user (or "public") who may read the submission.
func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	sess := SessionFrom(r.Context())
	if err := sess.RequireWrite(); err != nil {
		handleError(w, r, err)
		return
	}

	var targets []int64
	if names := r.URL.Query()["target"]; len(names) > 0 {
		ids, err := s.store.UserIDs(r.Context(), names)
		if err != nil {
			if apperr.IsNotFound(err) {
				err = apperr.Wrap(apperr.CodeValidation, "unknown target", err)
			}
			handleError(w, r, err)
			return
		}
		targets = ids
	}

	res, err := s.ingest.CommitReader(r.Context(), sess, r.Body, r.Header.Get("Content-Type"), targets)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{URI: res.URI.String(), Result: res})
}

type submitResponse struct {
	URI string `json:"uri"`
	ingest.Result
}

type lookupEntry struct {
	SubmissionID int64     `json:"submissionId"`
	CreatedAt    time.Time `json:"createdAt"`
	Username     string    `json:"username"`
}

// Lookup handles GET /api/lookup?uri=: the session's own submissions of
// the identified content.
func (s *Server) Lookup(w http.ResponseWriter, r *http.Request) {
	sess := SessionFrom(r.Context())
	if sess.IsAnonymous() {
		handleError(w, r, apperr.New(apperr.CodePermission, "lookup requires credentials"))
		return
	}

	uri, err := ident.Parse(r.URL.Query().Get("uri"))
	if err != nil {
		handleError(w, r, err)
		return
	}

	refs, err := s.store.SubmissionsFor(r.Context(), uri, sess.UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	entries := make([]lookupEntry, len(refs))
	for i, ref := range refs {
		entries[i] = lookupEntry{SubmissionID: ref.SubmissionID, CreatedAt: ref.CreatedAt, Username: ref.Username}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uri":         uri.String(),
		"submissions": entries,
	})
}
