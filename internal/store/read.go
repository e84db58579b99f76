package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ast"
	"github.com/roach88/hashrepo/internal/ident"
	"github.com/roach88/hashrepo/internal/querysql"
)

// Matches runs q and returns the page of matching submissions in ascending
// submission order. ceiling > 0 bounds the result to ids <= ceiling.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Matches(ctx context.Context, q ast.Scoped, page querysql.Page, ceiling int64) ([]Match, error) {
	query, params, err := querysql.SelectMatches(q, page, ceiling)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeParse, "compile query", err)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, classify("query matches", err)
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.SubmissionID, &m.URI.Algorithm, &m.URI.Digest, &m.MediaType); err != nil {
			return nil, classify("scan match", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate matches", err)
	}
	return matches, nil
}

// Contains reports whether submissionID satisfies the compiled membership
// test m.
func (s *Store) Contains(ctx context.Context, m querysql.Membership, submissionID int64) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, m.SQL, m.Args(submissionID)...).Scan(&ok); err != nil {
		return false, classify("membership test", err)
	}
	return ok, nil
}

// Count returns the number of submissions matching q.
func (s *Store) Count(ctx context.Context, q ast.Scoped) (int64, error) {
	query, params, err := querysql.Count(q)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeParse, "compile count", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, params...).Scan(&n); err != nil {
		return 0, classify("count matches", err)
	}
	return n, nil
}

// MaxSubmissionID returns the highest committed submission id, or 0 when
// the repository is empty.
func (s *Store) MaxSubmissionID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM submissions`).Scan(&id); err != nil {
		return 0, classify("max submission id", err)
	}
	return id.Int64, nil
}

// SubmissionsFor lists the submissions of uri in ascending order.
// submitterID > 0 restricts the list to that submitter.
func (s *Store) SubmissionsFor(ctx context.Context, uri ident.URI, submitterID int64) ([]SubmissionRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, u.username
		FROM submissions s
		JOIN contents c ON c.id = s.content_id
		JOIN users u ON u.id = s.submitter_id
		WHERE c.algorithm = ? AND c.digest = ?
		  AND (? = 0 OR s.submitter_id = ?)
		ORDER BY s.id ASC
	`, uri.Algorithm, uri.Digest, submitterID, submitterID)
	if err != nil {
		return nil, classify("query submissions", err)
	}
	defer rows.Close()

	refs := []SubmissionRef{}
	for rows.Next() {
		var (
			ref     SubmissionRef
			created int64
		)
		if err := rows.Scan(&ref.SubmissionID, &created, &ref.Username); err != nil {
			return nil, classify("scan submission", err)
		}
		ref.CreatedAt = fromMillis(created)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate submissions", err)
	}
	return refs, nil
}

// ContentByURI returns the content record for uri.
// Returns a NOT_FOUND error when the content is unknown.
func (s *Store) ContentByURI(ctx context.Context, uri ident.URI) (Content, error) {
	c := Content{URI: uri}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, media_type, size FROM contents
		WHERE algorithm = ? AND digest = ?
	`, uri.Algorithm, uri.Digest).Scan(&c.ID, &c.MediaType, &c.Size)
	if err != nil {
		return Content{}, classify("content "+uri.String(), err)
	}
	return c, nil
}

// CanRead reports whether any submission of uri targets userID or the
// public sentinel.
func (s *Store) CanRead(ctx context.Context, uri ident.URI, userID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
		  SELECT 1 FROM submissions s
		  JOIN contents c ON c.id = s.content_id
		  JOIN targets g ON g.submission_id = s.id
		  WHERE c.algorithm = ? AND c.digest = ?
		    AND g.user_id IN (?, ?)
		)
	`, uri.Algorithm, uri.Digest, userID, ast.PublicUserID).Scan(&ok)
	if err != nil {
		return false, classify("read permission", err)
	}
	return ok, nil
}

// UserByName returns the account named username.
func (s *Store) UserByName(ctx context.Context, username string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, can_write FROM users WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CanWrite)
	if err != nil {
		return User{}, classify("user "+username, err)
	}
	return u, nil
}

// UserByID returns the account with the given id.
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, can_write FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CanWrite)
	if err != nil {
		return User{}, classify(fmt.Sprintf("user %d", id), err)
	}
	return u, nil
}

// UserIDs resolves target names to user ids, preserving order.
// The reserved name "public" resolves to the public sentinel; an unknown
// name is a NOT_FOUND error.
func (s *Store) UserIDs(ctx context.Context, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if strings.EqualFold(name, PublicTargetName) {
			ids = append(ids, ast.PublicUserID)
			continue
		}
		var id int64
		err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, name).Scan(&id)
		if err != nil {
			return nil, classify("target "+name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListPulls returns every persisted subscription ordered by creation. A row
// that cannot be decoded is returned with Err set instead of failing the
// whole listing.
func (s *Store) ListPulls(ctx context.Context) ([]PullRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, targets, remote, query, language, username, password, created_at
		FROM pulls
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, classify("query pulls", err)
	}
	defer rows.Close()

	pulls := []PullRecord{}
	for rows.Next() {
		var (
			p       PullRecord
			targets string
			created int64
		)
		if err := rows.Scan(&p.ID, &p.UserID, &targets, &p.Remote, &p.Query, &p.Language, &p.Username, &p.Password, &created); err != nil {
			return nil, classify("scan pull", err)
		}
		if p.Targets, err = unmarshalTargets(targets); err != nil {
			p.Err = apperr.Wrap(apperr.CodeFatalConfig, "pull "+p.ID, err)
		}
		p.CreatedAt = fromMillis(created)
		pulls = append(pulls, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate pulls", err)
	}
	return pulls, nil
}
