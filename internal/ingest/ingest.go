// Package ingest turns submitted bytes into a committed submission.
//
// Order of effects:
//  1. permission and size checks
//  2. hash, media type detection, term extraction
//  3. blob write (idempotent, invisible until committed)
//  4. one relational transaction for content, terms, submission, targets
//  5. bus event for live streams
package ingest

import (
	"context"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/blob"
	"github.com/roach88/hashrepo/internal/bus"
	"github.com/roach88/hashrepo/internal/ident"
	"github.com/roach88/hashrepo/internal/metrics"
	"github.com/roach88/hashrepo/internal/session"
	"github.com/roach88/hashrepo/internal/store"
	"github.com/roach88/hashrepo/internal/textindex"
)

// DefaultMaxBytes bounds a submission when Options leaves it unset.
const DefaultMaxBytes = 32 << 20

// Options configures an Ingestor.
type Options struct {
	MaxBytes int64
}

// Result describes a committed submission.
type Result struct {
	ContentID    int64     `json:"contentId"`
	SubmissionID int64     `json:"submissionId"`
	URI          ident.URI `json:"-"`
	MediaType    string    `json:"mediaType"`
	Size         int64     `json:"size"`
	Targets      []int64   `json:"targets"`
	Identifiers  []string  `json:"identifiers"`
}

// Ingestor commits content on behalf of sessions.
type Ingestor struct {
	store    *store.Store
	blobs    *blob.Store
	bus      *bus.Bus
	log      *zap.Logger
	maxBytes int64
}

// New creates an Ingestor.
func New(st *store.Store, blobs *blob.Store, b *bus.Bus, log *zap.Logger, opts Options) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Ingestor{store: st, blobs: blobs, bus: b, log: log, maxBytes: opts.MaxBytes}
}

// MaxBytes returns the submission size limit.
func (i *Ingestor) MaxBytes() int64 {
	return i.maxBytes
}

// CommitReader reads at most MaxBytes from r and commits it.
func (i *Ingestor) CommitReader(ctx context.Context, sess session.Session, r io.Reader, declaredType string, targets []int64) (Result, error) {
	if err := sess.RequireWrite(); err != nil {
		return Result{}, err
	}
	body, err := io.ReadAll(io.LimitReader(r, i.maxBytes+1))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.CodeTransient, "read content", err)
	}
	return i.Commit(ctx, sess, body, declaredType, targets)
}

// Commit stores body as a submission by sess, readable by targets plus
// the submitter. An empty declaredType is replaced by the detected type.
func (i *Ingestor) Commit(ctx context.Context, sess session.Session, body []byte, declaredType string, targets []int64) (Result, error) {
	if err := sess.RequireWrite(); err != nil {
		return Result{}, err
	}
	if int64(len(body)) > i.maxBytes {
		return Result{}, apperr.Newf(apperr.CodeValidation, "content exceeds %d bytes", i.maxBytes)
	}
	for _, t := range targets {
		if t < 0 {
			return Result{}, apperr.Newf(apperr.CodeValidation, "invalid target %d", t)
		}
	}

	uri := ident.Sum(body)
	mediaType := MediaType(body, declaredType)

	var terms []string
	if textindex.Indexable(mediaType) {
		terms = textindex.Tokenize(string(body))
	}

	if err := i.blobs.Put(uri, body); err != nil {
		return Result{}, err
	}

	committed, err := i.store.CommitSubmission(ctx, store.Commit{
		URI:         uri,
		MediaType:   mediaType,
		Size:        int64(len(body)),
		Terms:       terms,
		SubmitterID: sess.UserID,
		Targets:     targets,
	})
	if err != nil {
		return Result{}, err
	}

	i.bus.Publish(bus.Event{
		SubmissionID: committed.SubmissionID,
		URI:          uri,
		MediaType:    mediaType,
		SubmitterID:  sess.UserID,
	})
	metrics.EventsPublishedTotal.Inc()
	metrics.IngestBytesTotal.Add(float64(len(body)))

	i.log.Debug("submission committed",
		zap.Int64("submission_id", committed.SubmissionID),
		zap.String("uri", uri.String()),
		zap.String("media_type", mediaType),
		zap.Int("terms", len(terms)),
		zap.Bool("new_content", committed.NewContent),
	)

	return Result{
		ContentID:    committed.ContentID,
		SubmissionID: committed.SubmissionID,
		URI:          uri,
		MediaType:    mediaType,
		Size:         int64(len(body)),
		Targets:      committed.Targets,
		Identifiers:  []string{uri.String()},
	}, nil
}

// MediaType returns declared without parameters, or the type detected from
// body when nothing useful was declared.
func MediaType(body []byte, declared string) string {
	declared = baseType(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return baseType(mimetype.Detect(body).String())
}

func baseType(mt string) string {
	mt, _, _ = strings.Cut(mt, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
